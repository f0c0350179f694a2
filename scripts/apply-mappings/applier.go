package main

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// FamilyResult counts the outcome of one family.
type FamilyResult struct {
	Family     string
	Created    int
	Existed    int
	VerifiedOK int
	Failed     int
	Skipped    int
}

// Applier ensures data sources and mappings exist for a plan.
type Applier struct {
	plan   *Plan
	client *apiClient
	out    io.Writer

	dataSources map[string]string // name -> id
}

// NewApplier creates an applier writing progress to out.
func NewApplier(plan *Plan, client *apiClient, out io.Writer) *Applier {
	return &Applier{plan: plan, client: client, out: out}
}

func (a *Applier) logf(format string, args ...any) {
	fmt.Fprintf(a.out, "[apply-mappings] "+format+"\n", args...)
}

// Run applies every selected family and prints a /latest sample.
func (a *Applier) Run(ctx context.Context, sensors []Sensor) ([]FamilyResult, error) {
	byFamily := GroupByFamily(sensors)
	families, missing := SelectFamilies(a.plan.Families, byFamily)
	if len(missing) > 0 {
		a.logf("Families not found in sensor list (skipped): %v", missing)
	}
	if len(families) == 0 {
		a.logf("No matching families to process. Nothing to do.")
		return nil, nil
	}
	a.logf("Families to process (%d): %v", len(families), families)
	if a.plan.DryRun {
		a.logf("DRY RUN - mappings are verified but not created")
	}

	results := make([]FamilyResult, 0, len(families))
	for _, family := range families {
		res, err := a.applyFamily(ctx, family, byFamily[family])
		if err != nil {
			return results, err
		}
		a.logf("Family '%s' => created=%d existed=%d verified_ok=%d failed=%d skipped=%d",
			res.Family, res.Created, res.Existed, res.VerifiedOK, res.Failed, res.Skipped)
		results = append(results, res)
	}

	a.printLatestSample(ctx)
	return results, nil
}

func (a *Applier) applyFamily(ctx context.Context, family string, sensors []Sensor) (FamilyResult, error) {
	res := FamilyResult{Family: family}

	dsID, err := a.ensureDataSource(ctx, a.plan.dataSourceName(family))
	if err != nil {
		return res, err
	}

	for _, sensor := range sensors {
		device, ok := DeviceName(sensor.Name)
		if !ok {
			a.logf("Skipping unparseable name '%s'", sensor.Name)
			res.Skipped++
			continue
		}

		check, err := a.client.verify(ctx, a.plan.mappingFor(sensor, "", dsID))
		switch {
		case err != nil:
			a.logf("Verify failed for %s (%s): %v", device, sensor.UUID, err)
		case !check.OK:
			a.logf("Verify failed for %s (%s): %s", device, sensor.UUID, check.Error)
		default:
			res.VerifiedOK++
		}

		if a.plan.DryRun {
			continue
		}

		created, err := a.client.createMapping(ctx, a.plan.mappingFor(sensor, device, dsID))
		switch {
		case err != nil:
			a.logf("Create failed for %s: %v", device, err)
			res.Failed++
		case created:
			res.Created++
		default:
			res.Existed++
		}
	}
	return res, nil
}

// ensureDataSource finds a data source by name or creates it. In dry-run mode
// a missing data source is reported and mappings are verified against nothing.
func (a *Applier) ensureDataSource(ctx context.Context, name string) (string, error) {
	if a.dataSources == nil {
		list, err := a.client.listDataSources(ctx)
		if err != nil {
			return "", fmt.Errorf("list data sources: %w", err)
		}
		a.dataSources = make(map[string]string, len(list))
		for _, ds := range list {
			a.dataSources[ds.Name] = ds.ID
		}
	}
	if id, ok := a.dataSources[name]; ok {
		a.logf("Data source ready: id=%s name=%s", id, name)
		return id, nil
	}
	if a.plan.DryRun {
		a.logf("Data source %s does not exist (dry run, not created)", name)
		return "", nil
	}

	spec := a.plan.Datasource
	spec.Name = name
	created, err := a.client.createDataSource(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create data source %s: %w", name, err)
	}
	a.dataSources[name] = created.ID
	a.logf("Data source created: id=%s name=%s", created.ID, name)
	return created.ID, nil
}

func (a *Applier) printLatestSample(ctx context.Context) {
	latest, err := a.client.latest(ctx)
	if err != nil {
		a.logf("GET /latest failed: %v", err)
		return
	}
	if len(latest) == 0 {
		a.logf("/latest returned empty (no recent data in lookback window)")
		return
	}
	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	a.logf("Sample latest: %s -> %s", keys[0], latest[keys[0]])
}
