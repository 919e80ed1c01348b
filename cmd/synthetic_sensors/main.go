package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"synthetic_sensors/internal/config"
	"synthetic_sensors/internal/engine"
	"synthetic_sensors/internal/logging"
	"synthetic_sensors/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Analyze sensor configuration and exit")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}
	logger.Info().Int("sensors", len(eng.Sensors())).Msg("configuration valid")
}

func buildEngine(cfg *config.Config, logger zerolog.Logger) (*engine.Engine, error) {
	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	eng := engine.New(engine.Options{
		Logger:    logging.Component(logger, "engine"),
		Collector: collector,
		Retry:     cfg.Retry,
		Circuit:   cfg.Circuit,
	})
	for i := range cfg.Sensors {
		if err := eng.AddSensor(&cfg.Sensors[i]); err != nil {
			return nil, err
		}
	}
	if err := eng.ValidateGraph(); err != nil {
		return nil, err
	}
	return eng, nil
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	return telemetry.NewPrometheusCollector(nil)
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	_, err = buildEngine(cfg, zerolog.Nop())
	return err
}

func executeConfigCheck(cfg *config.Config) int {
	eng := engine.New(engine.Options{Logger: zerolog.Nop(), Collector: telemetry.Noop()})

	if len(cfg.Sensors) == 0 {
		fmt.Println("No sensors configured.")
		return 0
	}

	exitCode := 0
	for i := range cfg.Sensors {
		sensor := &cfg.Sensors[i]
		fmt.Printf("Sensor %q\n", sensor.UniqueID)
		if sensor.EntityID != "" {
			fmt.Printf("  Entity: %s\n", sensor.EntityID)
		}
		if sensor.BackingEntity != "" {
			fmt.Printf("  Backing entity: %s\n", sensor.BackingEntity)
		}
		fmt.Printf("  Formula: %s\n", sensor.Formula.Formula)

		var errs []string
		if err := eng.AddSensor(sensor); err != nil {
			errs = append(errs, err.Error())
		}
		deps, err := eng.GetFormulaDependencies(&sensor.Formula)
		if err != nil {
			errs = append(errs, err.Error())
		}
		printDependencies("Dependencies", deps)

		for j := range sensor.Attributes {
			attr := &sensor.Attributes[j]
			fmt.Printf("  Attribute %q: %s\n", attr.ID, attr.Formula)
			attrDeps, err := eng.GetFormulaDependencies(attr)
			if err != nil {
				errs = append(errs, fmt.Sprintf("attribute %s: %v", attr.ID, err))
				continue
			}
			printDependencies("  Dependencies", attrDeps)
		}

		if len(errs) > 0 {
			exitCode = 1
			fmt.Println("  Errors:")
			for _, msg := range errs {
				fmt.Printf("    - %s\n", msg)
			}
		} else {
			fmt.Println("  Status: OK")
		}
		fmt.Println()
	}

	if err := eng.ValidateGraph(); err != nil {
		exitCode = 1
		fmt.Printf("Dependency graph invalid: %v\n", err)
	}

	if exitCode == 0 {
		fmt.Println("Configuration check completed successfully.")
	} else {
		fmt.Println("Configuration check completed with errors.")
	}
	return exitCode
}

func printDependencies(label string, deps []string) {
	fmt.Printf("  %s:\n", label)
	if len(deps) == 0 {
		fmt.Println("    <none>")
		return
	}
	for _, dep := range deps {
		fmt.Printf("    - %s\n", dep)
	}
}
