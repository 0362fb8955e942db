// conf/defaults.go default values for settings
package conf

import (
	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "flywheel")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "flywheel.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 1048576)

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "flywheel.db")

	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "flywheel")
	viper.SetDefault("output.mysql.password", "secret")
	viper.SetDefault("output.mysql.database", "flywheel")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	viper.SetDefault("retrain.minnewlabels", 10)
	viper.SetDefault("retrain.validationfraction", 0.2)
	viper.SetDefault("retrain.artifactdir", "models/")
	viper.SetDefault("retrain.comparisonmetric", "val_accuracy")
	viper.SetDefault("retrain.trainercommand", "")

	viper.SetDefault("training.epochs", 10)
	viper.SetDefault("training.batchsize", 16)
	viper.SetDefault("training.learningrate", 0.0001)
	viper.SetDefault("training.optimizer", "adam")
	viper.SetDefault("training.dropout", 0.2)
	viper.SetDefault("training.augmentation", true)

	viper.SetDefault("sampler.cachettlminutes", 60)
	viper.SetDefault("sampler.cachesweepminutes", 10)
	viper.SetDefault("sampler.defaultcandidatetop", 20)

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen", "0.0.0.0:8090")
}
