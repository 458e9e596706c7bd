package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ewiger/picostack/internal/image"
	"github.com/ewiger/picostack/internal/registry"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage disk image templates",
}

var imageDiskSizeMB int

var imageAddCmd = &cobra.Command{
	Use:   "add NAME FILENAME",
	Short: "Register a file already present in the images directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, filename := args[0], args[1]
		size := imageDiskSizeMB
		if size == 0 {
			info, err := os.Stat(cfg.ImagePath(filename))
			if err != nil {
				return fmt.Errorf("image file: %w", err)
			}
			size = image.SizeMB(info.Size())
		}
		return registerImage(cmd, &registry.Image{Name: name, Filename: filename, DiskSizeMB: size})
	},
}

var imageImportCmd = &cobra.Command{
	Use:   "import NAME PATH",
	Short: "Copy a local image file (optionally .gz or .zst) into the images directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirs(); err != nil {
			return err
		}
		res, err := image.Import(args[1], cfg.ImagesDir())
		if err != nil {
			return err
		}
		logger.Info("image imported", "file", res.Filename, "bytes", res.SizeBytes)
		return registerImage(cmd, &registry.Image{
			Name:       args[0],
			Filename:   res.Filename,
			DiskSizeMB: sizeOr(imageDiskSizeMB, res.SizeBytes),
			Source:     args[1],
		})
	},
}

var imagePullCmd = &cobra.Command{
	Use:   "pull NAME REF",
	Short: "Pull a container-disk image and extract its disk/ file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, ref := args[0], args[1]
		if err := cfg.EnsureDirs(); err != nil {
			return err
		}
		logger.Info("pulling image", "ref", ref)
		pulled, err := image.Pull(cmd.Context(), ref)
		if err != nil {
			return err
		}
		res, err := image.ExtractDisk(pulled.Image, cfg.ImagesDir(), name+".img")
		if err != nil {
			return err
		}
		logger.Info("image extracted", "file", res.Filename, "digest", pulled.Digest, "bytes", res.SizeBytes)
		return registerImage(cmd, &registry.Image{
			Name:       name,
			Filename:   res.Filename,
			DiskSizeMB: sizeOr(imageDiskSizeMB, res.SizeBytes),
			Source:     ref,
			Digest:     pulled.Digest,
		})
	},
}

var imageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		images, err := c.ListImages(cmd.Context())
		if err != nil {
			return err
		}
		if done, err := printStructured(os.Stdout, images); done {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tFILENAME\tSIZE MB\tSOURCE")
		for _, img := range images {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", img.Name, img.Filename, img.DiskSizeMB, img.Source)
		}
		return w.Flush()
	},
}

func sizeOr(override int, bytes int64) int {
	if override > 0 {
		return override
	}
	return image.SizeMB(bytes)
}

func registerImage(cmd *cobra.Command, img *registry.Image) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.SaveImage(cmd.Context(), img); err != nil {
		return err
	}
	fmt.Printf("image %s registered (%s, %d MB)\n", img.Name, img.Filename, img.DiskSizeMB)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{imageAddCmd, imageImportCmd, imagePullCmd} {
		c.Flags().IntVar(&imageDiskSizeMB, "disk-size", 0, "free space in MB a clone needs (default: image file size)")
	}
	imageListCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	imageCmd.AddCommand(imageAddCmd, imageImportCmd, imagePullCmd, imageListCmd)
}
