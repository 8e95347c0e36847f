package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tripmill/tripmill/internal/common"
	"github.com/tripmill/tripmill/internal/common/app"
	"github.com/tripmill/tripmill/internal/configuration"
	"github.com/tripmill/tripmill/internal/ingester"
)

const CustomConfigLocation = "config"

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.WorkerConfig
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/ingestworker", userSpecifiedConfigs)

	ctx := app.CreateContextWithShutdown()
	if err := ingester.Run(ctx, &config); err != nil {
		log.WithError(err).Fatal("Worker exited with error")
	}
}
