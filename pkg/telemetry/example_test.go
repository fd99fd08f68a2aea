package telemetry_test

import (
	"fmt"
	"os"

	"github.com/openfroyo/shipyard/pkg/telemetry"
)

func Example_eventFiltering() {
	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 8})
	if err != nil {
		panic(err)
	}

	publisher.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.AppKey)
	}, telemetry.FilterByLevel(telemetry.EventLevelError))

	_ = publisher.Publish(telemetry.Event{Type: telemetry.EventTypeDeploymentStarted, AppKey: "retail/shop", Level: telemetry.EventLevelInfo})
	_ = publisher.Publish(telemetry.Event{Type: telemetry.EventTypeDeploymentFailed, AppKey: "retail/shop", Level: telemetry.EventLevelError})
	// Output: deployment.failed retail/shop
}

func Example_componentLogger() {
	logger := telemetry.NewLoggerTo(os.Stdout, telemetry.LoggingConfig{Level: "info", Format: "json"})
	logger.NewComponentLogger("deploy").WithApp("retail/shop").Debug("hidden below info")
	// Output:
}
