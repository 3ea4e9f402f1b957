package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/breez/shop-sync/registry"
	"github.com/breez/shop-sync/syncrpc"
	"gorm.io/gorm"
)

// photoPayload is the wire form of a photo: the row plus its file inlined.
type photoPayload struct {
	Photo
	FileContent   string `json:"fileContent,omitempty"`
	FileExtension string `json:"fileExtension,omitempty"`
}

// Register binds every replicated table. Photos carry no capture snapshot so
// the upload path always inlines the current file.
func Register(reg *registry.Registry, photoDir string) error {
	if _, err := registry.Register[Customer](reg); err != nil {
		return err
	}
	if _, err := registry.Register[Vehicle](reg); err != nil {
		return err
	}
	if _, err := registry.Register[Order](reg); err != nil {
		return err
	}
	if _, err := registry.Register[OrderItem](reg); err != nil {
		return err
	}
	if _, err := registry.Register[Quotation](reg); err != nil {
		return err
	}
	_, err := registry.Register[Photo](reg,
		registry.WithoutSnapshot(),
		registry.WithProjector(projectPhoto(photoDir)),
		registry.WithDecoder(decodePhoto(photoDir)),
	)
	return err
}

var (
	ErrUnsafePhotoPath = errors.New("photo path escapes the photo directory")
	photoExtension     = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)
)

// photoPath resolves a stored file path inside photoDir. Paths are always
// relative to photoDir; absolute or escaping ones are rejected.
func photoPath(photoDir, path string) (string, error) {
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePhotoPath, path)
	}
	return filepath.Join(photoDir, path), nil
}

// photoFileName is the local name a received photo is stored under.
func photoFileName(id, ext string) (string, error) {
	if ext != "" && !photoExtension.MatchString(ext) {
		return "", fmt.Errorf("%w: extension %q", ErrUnsafePhotoPath, ext)
	}
	name := id + ext
	if id == "" || strings.ContainsAny(id, `/\`) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: id %q", ErrUnsafePhotoPath, id)
	}
	return name, nil
}

func projectPhoto(photoDir string) registry.Projector {
	return func(ctx context.Context, db *gorm.DB, d *registry.Descriptor, key []interface{}) (json.RawMessage, error) {
		row, err := d.Find(ctx, db, key)
		if err != nil {
			return nil, err
		}
		photo := row.(*Photo)
		payload := photoPayload{Photo: *photo}
		path, err := photoPath(photoDir, photo.FilePath)
		if err != nil {
			slog.Warn("photo path rejected, sending scalar fields only", "photo", photo.ID, "error", err)
			return json.Marshal(payload)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("photo file unavailable, sending scalar fields only",
				"photo", photo.ID, "path", photo.FilePath, "error", err)
		} else {
			payload.FileContent = base64.StdEncoding.EncodeToString(content)
			payload.FileExtension = filepath.Ext(photo.FilePath)
		}
		return json.Marshal(payload)
	}
}

func decodePhoto(photoDir string) registry.Decoder {
	return func(_ context.Context, data json.RawMessage) (interface{}, error) {
		var payload photoPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		photo := payload.Photo
		// a peer's file path is only kept when it stays inside the photo dir
		if _, err := photoPath(photoDir, photo.FilePath); err != nil {
			photo.FilePath = ""
		}
		if payload.FileContent == "" {
			return &photo, nil
		}
		name, err := photoFileName(photo.ID, payload.FileExtension)
		if err != nil {
			return nil, err
		}
		content, err := base64.StdEncoding.DecodeString(payload.FileContent)
		if err != nil {
			slog.Warn("dropping undecodable photo content", "photo", photo.ID, "error", err)
			return &photo, nil
		}
		if err := os.MkdirAll(photoDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create photo dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(photoDir, name), content, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write photo %v: %w", photo.ID, err)
		}
		photo.FilePath = name
		return &photo, nil
	}
}

// ApplyLegacyOrder maps an order-only sync object onto the orders table.
func ApplyLegacyOrder(ctx context.Context, tx *gorm.DB, legacy syncrpc.LegacyOrder) error {
	if legacy.OrderNo == "" {
		return errors.New("legacy order without order number")
	}
	tx = tx.WithContext(ctx)
	var order Order
	err := tx.Where("id = ?", legacy.OrderNo).Take(&order).Error
	exists := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up order %v: %w", legacy.OrderNo, err)
	}

	order.ID = legacy.OrderNo
	order.TenantID = legacy.TenantID
	order.StoreID = legacy.StoreID
	order.CustomerID = legacy.CustomerID
	order.VehiclePlate = legacy.VehiclePlate
	order.Status = legacy.Status
	order.TechnicianID = legacy.TechnicianID
	order.TotalAmount = legacy.TotalAmount
	order.Remark = legacy.Remark
	order.UpdatedAt = legacy.UpdatedAt

	if exists {
		err = tx.Select("*").Updates(&order).Error
	} else {
		err = tx.Create(&order).Error
	}
	if err != nil {
		return fmt.Errorf("failed to apply legacy order %v: %w", legacy.OrderNo, err)
	}
	return nil
}
