package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ewiger/picostack/internal/client"
	"github.com/ewiger/picostack/internal/lifecycle"
	"github.com/ewiger/picostack/internal/registry"
)

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"vm"},
	Short:   "Create, inspect and request state changes of instances",
}

var (
	createImage   string
	createFlavour string
	createSSH     bool
	createVNC     bool
	createRDP     bool
	createDisk    string
	listState     string
)

var instanceCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Register an instance; its disk is cloned on the next tick",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		inst, err := c.CreateInstance(cmd.Context(), client.CreateInstanceRequest{
			Name:     args[0],
			Image:    createImage,
			Flavour:  createFlavour,
			SSH:      createSSH,
			VNC:      createVNC,
			RDP:      createRDP,
			DiskFile: createDisk,
		})
		if err != nil {
			return err
		}
		fmt.Printf("instance %s created (%s)\n", inst.Name, inst.State)
		return nil
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		insts, err := c.ListInstances(cmd.Context(), listState)
		if err != nil {
			return err
		}
		if done, err := printStructured(os.Stdout, insts); done {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATE\tIMAGE\tFLAVOUR\tSSH\tVNC\tRDP")
		for _, inst := range insts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", inst.Name, inst.State, inst.ImageName, inst.FlavourName,
				portCell(inst.HasSSH, inst.SSHMapping), portCell(inst.HasVNC, inst.VNCMapping), portCell(inst.HasRDP, inst.RDPMapping))
		}
		return w.Flush()
	},
}

var instanceShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		inst, err := c.GetInstance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if done, err := printStructured(os.Stdout, inst); done {
			return err
		}
		printInstance(inst)
		return nil
	},
}

func portCell(enabled bool, port int) string {
	switch {
	case !enabled:
		return "-"
	case port == 0:
		return "off"
	}
	return strconv.Itoa(port)
}

func printInstance(inst *registry.Instance) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", inst.Name)
	fmt.Fprintf(w, "State:\t%s\n", inst.State)
	fmt.Fprintf(w, "Image:\t%s (%s)\n", inst.ImageName, inst.ImageFilename)
	fmt.Fprintf(w, "Flavour:\t%s (%d MB, %d cores)\n", inst.FlavourName, inst.MemoryMB, inst.Cores)
	fmt.Fprintf(w, "Disk:\t%s\n", inst.DiskFilename())
	for _, m := range inst.Mappings() {
		fmt.Fprintf(w, "Forward %s:\tlocalhost:%d -> %d\n", m.Service, m.HostPort, m.GuestPort)
	}
	if inst.LocalhostVNCPort != 0 {
		fmt.Fprintf(w, "VNC display:\tlocalhost:%d\n", inst.LocalhostVNCPort)
	}
	fmt.Fprintf(w, "Updated:\t%s\n", inst.UpdatedAt.Format("2006-01-02 15:04:05"))
	w.Flush()
}

// actionCmd builds the launch/terminate/trash/reset subcommands.
func actionCmd(action lifecycle.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " NAME...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var failed int
			for _, name := range args {
				inst, err := c.Request(cmd.Context(), name, string(action))
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
					failed++
					continue
				}
				fmt.Printf("%s: %s\n", inst.Name, inst.State)
			}
			if failed > 0 {
				return fmt.Errorf("%s failed for %d of %d instance(s)", action, failed, len(args))
			}
			return nil
		},
	}
}

func init() {
	f := instanceCreateCmd.Flags()
	f.StringVar(&createImage, "image", "", "image name (required)")
	f.StringVar(&createFlavour, "flavour", "", "flavour name (required)")
	f.BoolVar(&createSSH, "ssh", true, "forward ssh")
	f.BoolVar(&createVNC, "vnc", false, "forward vnc")
	f.BoolVar(&createRDP, "rdp", false, "forward rdp")
	f.StringVar(&createDisk, "disk-file", "", "disk filename override")
	instanceCreateCmd.MarkFlagRequired("image")
	instanceCreateCmd.MarkFlagRequired("flavour")

	instanceListCmd.Flags().StringVar(&listState, "state", "", "only list instances in this state")

	for _, c := range []*cobra.Command{instanceListCmd, instanceShowCmd} {
		c.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	}

	instanceCmd.AddCommand(instanceCreateCmd, instanceListCmd, instanceShowCmd)
	instanceCmd.AddCommand(
		actionCmd(lifecycle.ActionLaunch, "Request a stopped instance to start"),
		actionCmd(lifecycle.ActionTerminate, "Request a running instance to stop"),
		actionCmd(lifecycle.ActionTrash, "Request a stopped or failed instance to be destroyed"),
		actionCmd(lifecycle.ActionReset, "Return a failed instance to stopped"),
	)
}
