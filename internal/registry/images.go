package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Image is an immutable disk template.
type Image struct {
	Name       string    `json:"name"`
	Filename   string    `json:"filename"`
	DiskSizeMB int       `json:"disk_size_mb"`
	Source     string    `json:"source,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Flavour is a named resource profile.
type Flavour struct {
	Name      string    `json:"name"`
	MemoryMB  int       `json:"memory_mb"`
	Cores     int       `json:"cores"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	DefaultMemoryMB = 1024
	DefaultCores    = 1
)

// SaveImage inserts or replaces an image.
func (d *DB) SaveImage(img *Image) error {
	if !ValidName(img.Name) {
		return fmt.Errorf("image %q: %w", img.Name, ErrInvalidName)
	}
	if !ValidFilename(img.Filename) {
		return fmt.Errorf("image %s filename %q: %w", img.Name, img.Filename, ErrInvalidName)
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	_, err := d.db.Exec(`
		INSERT INTO images (name, filename, disk_size_mb, source, digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			filename = excluded.filename,
			disk_size_mb = excluded.disk_size_mb,
			source = excluded.source,
			digest = excluded.digest
	`, img.Name, img.Filename, img.DiskSizeMB, img.Source, img.Digest,
		img.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// GetImage retrieves an image by name. Returns nil, nil if absent.
func (d *DB) GetImage(name string) (*Image, error) {
	row := d.db.QueryRow(`
		SELECT name, filename, disk_size_mb, source, digest, created_at FROM images WHERE name = ?
	`, name)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return img, err
}

// ListImages returns all images ordered by name.
func (d *DB) ListImages() ([]*Image, error) {
	rows, err := d.db.Query(`
		SELECT name, filename, disk_size_mb, source, digest, created_at FROM images ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// DeleteImage removes an image record that no instance references.
func (d *DB) DeleteImage(name string) error {
	if err := d.checkUnreferenced("image", name); err != nil {
		return err
	}
	_, err := d.db.Exec(`DELETE FROM images WHERE name = ?`, name)
	return err
}

// SaveFlavour inserts or replaces a flavour. Zero resources take the
// defaults.
func (d *DB) SaveFlavour(fl *Flavour) error {
	if !ValidName(fl.Name) {
		return fmt.Errorf("flavour %q: %w", fl.Name, ErrInvalidName)
	}
	if fl.MemoryMB <= 0 {
		fl.MemoryMB = DefaultMemoryMB
	}
	if fl.Cores <= 0 {
		fl.Cores = DefaultCores
	}
	if fl.CreatedAt.IsZero() {
		fl.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	_, err := d.db.Exec(`
		INSERT INTO flavours (name, memory_mb, cores, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			memory_mb = excluded.memory_mb,
			cores = excluded.cores
	`, fl.Name, fl.MemoryMB, fl.Cores, fl.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// GetFlavour retrieves a flavour by name. Returns nil, nil if absent.
func (d *DB) GetFlavour(name string) (*Flavour, error) {
	var fl Flavour
	var createdStr string
	err := d.db.QueryRow(`
		SELECT name, memory_mb, cores, created_at FROM flavours WHERE name = ?
	`, name).Scan(&fl.Name, &fl.MemoryMB, &fl.Cores, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fl.CreatedAt = parseTime(createdStr)
	return &fl, nil
}

// ListFlavours returns all flavours ordered by name.
func (d *DB) ListFlavours() ([]*Flavour, error) {
	rows, err := d.db.Query(`SELECT name, memory_mb, cores, created_at FROM flavours ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flavours []*Flavour
	for rows.Next() {
		var fl Flavour
		var createdStr string
		if err := rows.Scan(&fl.Name, &fl.MemoryMB, &fl.Cores, &createdStr); err != nil {
			return nil, err
		}
		fl.CreatedAt = parseTime(createdStr)
		flavours = append(flavours, &fl)
	}
	return flavours, rows.Err()
}

// DeleteFlavour removes a flavour record that no instance references.
func (d *DB) DeleteFlavour(name string) error {
	if err := d.checkUnreferenced("flavour", name); err != nil {
		return err
	}
	_, err := d.db.Exec(`DELETE FROM flavours WHERE name = ?`, name)
	return err
}

// column is "image" or "flavour"; never user input.
func (d *DB) checkUnreferenced(column, name string) error {
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM instances WHERE `+column+` = ?`, name).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%s %s referenced by %d instance(s): %w", column, name, n, ErrInUse)
	}
	return nil
}

func scanImage(s scanner) (*Image, error) {
	var img Image
	var createdStr string
	if err := s.Scan(&img.Name, &img.Filename, &img.DiskSizeMB, &img.Source, &img.Digest, &createdStr); err != nil {
		return nil, err
	}
	img.CreatedAt = parseTime(createdStr)
	return &img, nil
}
