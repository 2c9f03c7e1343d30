package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AssetType discriminates inventory assets and selects their metadata shape.
type AssetType string

const (
	AssetTypeBusinessManager AssetType = "business_manager"
	AssetTypeAdAccount       AssetType = "ad_account"
	AssetTypePixel           AssetType = "pixel"
	AssetTypeProfile         AssetType = "profile"
)

// Valid reports whether t is a known asset type.
func (t AssetType) Valid() bool {
	switch t {
	case AssetTypeBusinessManager, AssetTypeAdAccount, AssetTypePixel, AssetTypeProfile:
		return true
	}
	return false
}

// AssetStatus mirrors the upstream state of an asset. Stale is set locally when
// an asset stops appearing in provider listings; assets are never deleted.
type AssetStatus string

const (
	AssetStatusActive   AssetStatus = "active"
	AssetStatusDisabled AssetStatus = "disabled"
	AssetStatusStale    AssetStatus = "stale"
)

// InventoryAsset is a provider-side asset mirrored locally by the inventory sync.
// (Type, ExternalID) is unique.
type InventoryAsset struct {
	ID           uuid.UUID     `json:"id"`
	Type         AssetType     `json:"type"`
	ExternalID   string        `json:"external_id"`
	Name         string        `json:"name"`
	Status       AssetStatus   `json:"status"`
	Metadata     AssetMetadata `json:"metadata"`
	LastSyncedAt time.Time     `json:"last_synced_at"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ParentBusinessManagerExternalID returns the business manager an ad account or
// pixel hangs off, if the metadata names one.
func (a InventoryAsset) ParentBusinessManagerExternalID() (string, bool) {
	switch m := a.Metadata.(type) {
	case AdAccountMetadata:
		return m.BusinessManagerExternalID, m.BusinessManagerExternalID != ""
	case PixelMetadata:
		return m.BusinessManagerExternalID, m.BusinessManagerExternalID != ""
	}
	return "", false
}

// AssetMetadata is the closed set of per-type metadata payloads. Only the types
// in this package implement it.
type AssetMetadata interface {
	AssetType() AssetType
}

// BusinessManagerMetadata describes a business manager.
type BusinessManagerMetadata struct {
	VerificationStatus string   `json:"verification_status,omitempty"`
	PixelExternalIDs   []string `json:"pixel_external_ids,omitempty"`
}

func (BusinessManagerMetadata) AssetType() AssetType { return AssetTypeBusinessManager }

// AdAccountMetadata describes an ad account and the business manager that owns it.
type AdAccountMetadata struct {
	BusinessManagerExternalID string `json:"business_manager_id"`
	Currency                  string `json:"currency,omitempty"`
	Timezone                  string `json:"timezone,omitempty"`
	SpendCapCents             int64  `json:"spend_cap_cents,omitempty"`
}

func (AdAccountMetadata) AssetType() AssetType { return AssetTypeAdAccount }

// PixelMetadata describes a tracking pixel.
type PixelMetadata struct {
	BusinessManagerExternalID string `json:"business_manager_id,omitempty"`
}

func (PixelMetadata) AssetType() AssetType { return AssetTypePixel }

// ProfileMetadata describes an operator profile.
type ProfileMetadata struct {
	ProfileURL string `json:"profile_url,omitempty"`
}

func (ProfileMetadata) AssetType() AssetType { return AssetTypeProfile }

// EncodeAssetMetadata serializes metadata for storage. Nil encodes as an empty object.
func EncodeAssetMetadata(m AssetMetadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// DecodeAssetMetadata parses stored metadata into the shape selected by t.
func DecodeAssetMetadata(t AssetType, raw []byte) (AssetMetadata, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch t {
	case AssetTypeBusinessManager:
		var m BusinessManagerMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode business manager metadata: %w", err)
		}
		return m, nil
	case AssetTypeAdAccount:
		var m AdAccountMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode ad account metadata: %w", err)
		}
		return m, nil
	case AssetTypePixel:
		var m PixelMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode pixel metadata: %w", err)
		}
		return m, nil
	case AssetTypeProfile:
		var m ProfileMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode profile metadata: %w", err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown asset type %q", t)
}
