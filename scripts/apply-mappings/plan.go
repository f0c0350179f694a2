package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

const defaultPivotTimestampColumn = "Datetime"

// Plan describes which sensors to map and how. It is read from a YAML file
// or assembled from flags.
type Plan struct {
	APIURL     string         `yaml:"api_url"`
	Datasource DatasourcePlan `yaml:"datasource"`
	Target     TargetPlan     `yaml:"target"`
	Families   []string       `yaml:"families"` // empty or ["ALL"] selects every family
	MultiDS    bool           `yaml:"multi_ds_per_family"`
	SensorFile string         `yaml:"sensor_file"`
	Sensors    []Sensor       `yaml:"sensors"`
	DryRun     bool           `yaml:"dry_run"`
}

// DatasourcePlan is the data source every mapping reads from. The password
// comes from DS_PASSWORD, never from the plan file.
type DatasourcePlan struct {
	Name     string `yaml:"name"`
	Engine   string `yaml:"engine"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
	SSL      bool   `yaml:"ssl"`
}

// TargetPlan names the table layout shared by every sensor.
type TargetPlan struct {
	Table              string   `yaml:"table"`
	DeviceIDColumn     string   `yaml:"device_id_column"`
	TimestampColumn    string   `yaml:"timestamp_column"`
	ValueColumns       []string `yaml:"value_columns"`
	PrimaryValueColumn string   `yaml:"primary_value_column"`
	Unit               string   `yaml:"unit"`
}

// Sensor is one line of sensor_uuids.txt.
type Sensor struct {
	Name string `yaml:"name"`
	UUID string `yaml:"uuid"`
}

// LoadPlan reads a YAML plan.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return &p, nil
}

// applyDefaults fills unset fields. Pivot mode moves the default timestamp
// column from ts to Datetime.
func (p *Plan) applyDefaults() {
	if p.APIURL == "" {
		p.APIURL = "http://localhost:5000/api"
	}
	p.APIURL = strings.TrimRight(p.APIURL, "/")

	ds := &p.Datasource
	if ds.Name == "" {
		ds.Name = "mysql-sensordb"
	}
	if ds.Engine == "" {
		ds.Engine = models.EngineMySQL
	}
	if ds.Host == "" {
		ds.Host = "localhost"
	}
	if ds.Port == 0 {
		ds.Port = 3306
	}
	if ds.Database == "" {
		ds.Database = "sensordb"
	}

	t := &p.Target
	if t.Table == "" {
		t.Table = "sensor_data"
	}
	if t.DeviceIDColumn == "" {
		t.DeviceIDColumn = "sensor_uuid"
	}
	if len(t.ValueColumns) == 0 {
		t.ValueColumns = []string{"value"}
	}
	if t.PrimaryValueColumn == "" {
		t.PrimaryValueColumn = t.ValueColumns[0]
	}
	if t.TimestampColumn == "" || (p.Pivot() && t.TimestampColumn == "ts") {
		if p.Pivot() {
			t.TimestampColumn = defaultPivotTimestampColumn
		} else {
			t.TimestampColumn = "ts"
		}
	}

	if p.SensorFile == "" {
		p.SensorFile = "sensor_uuids.txt"
	}
}

// Pivot reports whether sensors are columns of a wide table.
func (p *Plan) Pivot() bool {
	return models.IsPivotColumn(p.Target.DeviceIDColumn)
}

// mappingFor builds the create request for one sensor.
func (p *Plan) mappingFor(sensor Sensor, deviceName, dataSourceID string) map[string]any {
	valueColumns := p.Target.ValueColumns
	primary := p.Target.PrimaryValueColumn
	if p.Pivot() {
		valueColumns = []string{sensor.UUID}
		primary = sensor.UUID
	}
	req := map[string]any{
		"data_source_id":          dataSourceID,
		"table_name":              p.Target.Table,
		"device_id_column":        p.Target.DeviceIDColumn,
		"device_identifier_value": sensor.UUID,
		"timestamp_column":        p.Target.TimestampColumn,
		"value_columns":           valueColumns,
	}
	if deviceName != "" {
		req["device_name"] = deviceName
		req["primary_value_column"] = primary
		if p.Target.Unit != "" {
			req["unit"] = p.Target.Unit
		}
	}
	return req
}

// ReadSensors parses name,uuid lines. Blank and malformed lines are skipped.
func ReadSensors(r io.Reader) ([]Sensor, error) {
	var sensors []Sensor
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, uuid, ok := strings.Cut(line, ",")
		name, uuid = strings.TrimSpace(name), strings.TrimSpace(uuid)
		if !ok || name == "" || uuid == "" {
			continue
		}
		sensors = append(sensors, Sensor{Name: name, UUID: uuid})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sensors: %w", err)
	}
	return sensors, nil
}

var (
	familyPattern = regexp.MustCompile(`^(.*)_\d+\.\d+$`)
	nodePattern   = regexp.MustCompile(`_(\d+\.\d+)$`)
)

// DeviceName maps "Air_Quality_Level_Sensor_5.04" to "node_5.04".
func DeviceName(sensorName string) (string, bool) {
	m := nodePattern.FindStringSubmatch(sensorName)
	if m == nil {
		return "", false
	}
	return "node_" + m[1], true
}

// GroupByFamily groups sensors by the name prefix before the trailing _n.nn.
func GroupByFamily(sensors []Sensor) map[string][]Sensor {
	families := make(map[string][]Sensor)
	for _, s := range sensors {
		m := familyPattern.FindStringSubmatch(s.Name)
		if m == nil {
			continue
		}
		families[m[1]] = append(families[m[1]], s)
	}
	return families
}

// SelectFamilies resolves the requested families against those present.
// An empty request or "ALL" selects every family in sorted order.
func SelectFamilies(requested []string, available map[string][]Sensor) (selected, missing []string) {
	if len(requested) == 0 || (len(requested) == 1 && strings.EqualFold(requested[0], "ALL")) {
		for f := range available {
			selected = append(selected, f)
		}
		sort.Strings(selected)
		return selected, nil
	}
	for _, f := range requested {
		if _, ok := available[f]; ok {
			selected = append(selected, f)
		} else {
			missing = append(missing, f)
		}
	}
	return selected, missing
}

// dataSourceName returns the data source a family's mappings use. Per-family
// sources let one device carry a mapping per family.
func (p *Plan) dataSourceName(family string) string {
	if !p.MultiDS {
		return p.Datasource.Name
	}
	name := p.Datasource.Name + "__" + family
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}
