// apply-mappings bulk-creates device mappings from sensor_uuids.txt.
//
// Each line of the sensor file is "name,uuid", e.g.
// "Air_Quality_Level_Sensor_5.04,3f1c...". Sensors are grouped by family
// (the name before the trailing _n.nn) and mapped to device node_n.nn.
// Every mapping is verified before it is created; an existing mapping (409)
// is counted, not treated as a failure.
//
// Usage: go run ./scripts/apply-mappings [flags]
//
// Flags:
//
//	-plan       YAML plan file; flags below override it when set
//	-api-url    API base URL (default http://localhost:5000/api)
//	-sensors    sensor list (default sensor_uuids.txt)
//	-families   comma-separated families, or ALL (default ALL)
//	-multi-ds   one data source per family
//	-pivot      wide-table mode: device_id_column=COLUMN, timestamp Datetime
//	-dry-run    verify only
//
// Environment: API_KEY (x-api-key header), DS_PASSWORD (data source password).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

func main() {
	planPath := flag.String("plan", "", "YAML plan file")
	apiURL := flag.String("api-url", "", "API base URL")
	sensorFile := flag.String("sensors", "", "sensor list file (name,uuid per line)")
	families := flag.String("families", "", "comma-separated families, or ALL")
	multiDS := flag.Bool("multi-ds", false, "create one data source per family")
	pivot := flag.Bool("pivot", false, "wide-table mode (device_id_column=COLUMN)")
	dryRun := flag.Bool("dry-run", false, "verify mappings without creating them")
	flag.Parse()

	plan := &Plan{}
	if *planPath != "" {
		p, err := LoadPlan(*planPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load plan: %v\n", err)
			os.Exit(1)
		}
		plan = p
	}

	if *apiURL != "" {
		plan.APIURL = *apiURL
	}
	if *sensorFile != "" {
		plan.SensorFile = *sensorFile
	}
	if *families != "" {
		plan.Families = splitList(*families)
	}
	plan.MultiDS = plan.MultiDS || *multiDS
	plan.DryRun = plan.DryRun || *dryRun
	if *pivot {
		plan.Target.DeviceIDColumn = models.PivotSentinel
	}
	plan.Datasource.Password = os.Getenv("DS_PASSWORD")
	plan.applyDefaults()

	sensors := plan.Sensors
	if len(sensors) == 0 {
		f, err := os.Open(plan.SensorFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open sensor list: %v\n", err)
			os.Exit(1)
		}
		sensors, err = ReadSensors(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	applier := NewApplier(plan, newAPIClient(plan.APIURL, os.Getenv("API_KEY")), os.Stdout)
	if _, err := applier.Run(ctx, sensors); err != nil {
		fmt.Fprintf(os.Stderr, "[apply-mappings] Error: %v\n", err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
