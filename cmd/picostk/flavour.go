package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ewiger/picostack/internal/registry"
)

var flavourCmd = &cobra.Command{
	Use:   "flavour",
	Short: "Manage resource profiles",
}

var (
	flavourMemoryMB int
	flavourCores    int
)

var flavourAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create or update a flavour",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		fl := &registry.Flavour{Name: args[0], MemoryMB: flavourMemoryMB, Cores: flavourCores}
		if err := c.SaveFlavour(cmd.Context(), fl); err != nil {
			return err
		}
		fmt.Printf("flavour %s: %d MB, %d cores\n", fl.Name, fl.MemoryMB, fl.Cores)
		return nil
	},
}

var flavourListCmd = &cobra.Command{
	Use:   "list",
	Short: "List flavours",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		flavours, err := c.ListFlavours(cmd.Context())
		if err != nil {
			return err
		}
		if done, err := printStructured(os.Stdout, flavours); done {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tMEMORY MB\tCORES")
		for _, fl := range flavours {
			fmt.Fprintf(w, "%s\t%d\t%d\n", fl.Name, fl.MemoryMB, fl.Cores)
		}
		return w.Flush()
	},
}

func init() {
	flavourAddCmd.Flags().IntVar(&flavourMemoryMB, "memory", registry.DefaultMemoryMB, "memory in MB")
	flavourAddCmd.Flags().IntVar(&flavourCores, "cores", registry.DefaultCores, "virtual CPU cores")
	flavourListCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	flavourCmd.AddCommand(flavourAddCmd, flavourListCmd)
}
