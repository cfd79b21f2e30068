package engine

import "fmt"

// DatasetKind says what a dataset observes: light-curve fluxes or radial
// velocities.
type DatasetKind string

const (
	DatasetLC DatasetKind = "lc"
	DatasetRV DatasetKind = "rv"
)

// Dataset names one observable attached to the bundle. Its values live
// as parameters tagged with the dataset name: compute_times and
// compute_phases in context "dataset", model output in context "model".
type Dataset struct {
	Name string
	Kind DatasetKind
}

// passbands available to new datasets.
var passbands = []string{"Johnson:V", "Johnson:B", "Johnson:R", "GAIA:G"}

// AddDataset attaches a dataset and its parameters. An empty name is
// auto-assigned (lc01, rv01, ...). Returns the dataset name.
func (b *Bundle) AddDataset(kind DatasetKind, name string, times []float64) (string, error) {
	if kind != DatasetLC && kind != DatasetRV {
		return "", fmt.Errorf("unsupported dataset kind %q (want lc or rv)", kind)
	}
	if name == "" {
		name = b.nextDatasetName(kind)
	} else if b.dataset(name) != nil {
		return "", fmt.Errorf("dataset %q already exists", name)
	}

	b.datasets = append(b.datasets, &Dataset{Name: name, Kind: kind})

	b.add(&Parameter{
		Qualifier: "compute_times", Dataset: name, Context: "dataset",
		Kind: KindFloatArray, Value: append([]float64(nil), times...), Unit: UnitDay,
		Description: "Timestamps to compute the model at",
	})
	phases := b.add(&Parameter{
		Qualifier: "compute_phases", Dataset: name, Context: "dataset",
		Kind: KindFloatArray, Value: []float64{},
		Description: "Orbital phases of compute_times",
	})
	phases.ConstrainedBy = []string{
		"compute_times@" + name, "period@binary", "t0_supconj@binary",
	}
	b.add(&Parameter{
		Qualifier: "passband", Dataset: name, Context: "dataset",
		Kind: KindChoice, Value: passbands[0],
		Choices:     append([]string(nil), passbands...),
		Description: "Observation passband",
	})

	b.runConstraints()
	return name, nil
}

// RemoveDataset detaches a dataset and every parameter tagged with it,
// whatever the context, so client-attached ui parameters go too.
func (b *Bundle) RemoveDataset(name string) error {
	ds := b.dataset(name)
	if ds == nil {
		return fmt.Errorf("no dataset named %q", name)
	}

	kept := b.datasets[:0]
	for _, d := range b.datasets {
		if d.Name != name {
			kept = append(kept, d)
		}
	}
	b.datasets = kept

	params := b.params[:0]
	for _, p := range b.params {
		if p.Dataset != name {
			params = append(params, p)
		}
	}
	b.params = params
	return nil
}

// Datasets returns the attached datasets in creation order.
func (b *Bundle) Datasets() []Dataset {
	out := make([]Dataset, len(b.datasets))
	for i, ds := range b.datasets {
		out[i] = *ds
	}
	return out
}

func (b *Bundle) dataset(name string) *Dataset {
	for _, ds := range b.datasets {
		if ds.Name == name {
			return ds
		}
	}
	return nil
}

// nextDatasetName picks the first free kind-prefixed two-digit name.
func (b *Bundle) nextDatasetName(kind DatasetKind) string {
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s%02d", kind, i)
		if b.dataset(name) == nil {
			return name
		}
	}
}
