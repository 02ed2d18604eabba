package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mriode/mriode/ode/butcher"
	"github.com/mriode/mriode/ode/coupling"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the built-in coupling tables, IMEX pairs and Butcher tables",
	Run: func(cmd *cobra.Command, args []string) {
		if err := listTables(os.Stdout); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

var tablesShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Print the coefficients of a table as YAML",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := showTable(os.Stdout, args[0]); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

func listTables(w io.Writer) error {
	fmt.Fprintln(w, "Coupling tables (multirate):")
	for _, name := range coupling.Names() {
		t, err := coupling.Lookup(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-26s stages=%d order=%d embedding=%d kinds=%v\n", name, t.Stages, t.Order, t.EmbeddingOrder, t.StageKinds())
	}
	fmt.Fprintln(w, "  MIS-<explicit Butcher table>")
	fmt.Fprintln(w, "IMEX pairs:")
	for _, name := range butcher.PairNames() {
		p, err := butcher.LookupPair(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-26s stages=%d order=%d embedding=%d\n", name, p.Explicit.Stages, p.Explicit.Q, p.Explicit.P)
	}
	fmt.Fprintln(w, "Butcher tables:")
	for _, name := range butcher.Names() {
		t, err := butcher.Lookup(name)
		if err != nil {
			return err
		}
		kind := "implicit"
		if t.IsExplicit() {
			kind = "explicit"
		}
		fmt.Fprintf(w, "  %-26s stages=%d order=%d embedding=%d %s\n", name, t.Stages, t.Q, t.P, kind)
	}
	return nil
}

// couplingDoc and butcherDoc fix the YAML field names of `tables show`.
type couplingDoc struct {
	Name           string        `yaml:"name"`
	Stages         int           `yaml:"stages"`
	Order          int           `yaml:"order"`
	EmbeddingOrder int           `yaml:"embedding_order,omitempty"`
	C              []float64     `yaml:"c,flow"`
	W              [][][]float64 `yaml:"w,omitempty"`
	G              [][][]float64 `yaml:"g,omitempty"`
	WEmb           [][]float64   `yaml:"w_emb,omitempty"`
	GEmb           [][]float64   `yaml:"g_emb,omitempty"`
}

type butcherDoc struct {
	Name   string      `yaml:"name"`
	Stages int         `yaml:"stages"`
	Order  int         `yaml:"order"`
	P      int         `yaml:"embedding_order,omitempty"`
	A      [][]float64 `yaml:"a"`
	B      []float64   `yaml:"b,flow"`
	C      []float64   `yaml:"c,flow"`
	D      []float64   `yaml:"d,flow,omitempty"`
}

func newButcherDoc(t *butcher.Table) *butcherDoc {
	if t == nil {
		return nil
	}
	return &butcherDoc{Name: t.Name, Stages: t.Stages, Order: t.Q, P: t.P, A: t.A, B: t.B, C: t.C, D: t.D}
}

// showTable writes the named coupling table, pair, or Butcher table.
func showTable(w io.Writer, name string) error {
	var doc any
	if t, err := coupling.Lookup(name); err == nil {
		doc = couplingDoc{
			Name: t.Name, Stages: t.Stages, Order: t.Order, EmbeddingOrder: t.EmbeddingOrder,
			C: t.C, W: t.W, G: t.G, WEmb: t.WEmb, GEmb: t.GEmb,
		}
	} else if p, err := butcher.LookupPair(name); err == nil {
		doc = struct {
			Name     string      `yaml:"name"`
			Explicit *butcherDoc `yaml:"explicit"`
			Implicit *butcherDoc `yaml:"implicit"`
		}{p.Name, newButcherDoc(p.Explicit), newButcherDoc(p.Implicit)}
	} else if t, err := butcher.Lookup(name); err == nil {
		doc = newButcherDoc(t)
	} else {
		return fmt.Errorf("unknown table %q", name)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("YAML marshal failed: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func init() {
	tablesCmd.AddCommand(tablesShowCmd)
}
