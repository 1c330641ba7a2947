package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hoodlink/hoodlink-server/internal/config"
	"github.com/hoodlink/hoodlink-server/internal/models"
)

// FamilyTable drives the tiered device matcher. Tables are data, not
// behavior: classification resolves once and the result is carried on
// the record.
type FamilyTable struct {
	// Products maps exact product identifiers to model keys. Tier 1.
	Products map[string]string

	// IDPrefixes maps device-id prefixes to model keys. Tier 2.
	IDPrefixes map[string]string

	// BrandPrefix admits a device into the family on a
	// case-insensitive product-name prefix match. Tier 3, yields
	// UnknownButInFamily.
	BrandPrefix string
}

// Classify runs the tiered matcher in fixed priority order, first
// match wins. Deterministic for a fixed table and device.
func (t *FamilyTable) Classify(deviceID, productIdentifier, productName string) models.Classification {
	if modelKey, ok := t.Products[productIdentifier]; ok {
		return models.KnownModel(modelKey)
	}

	// Sorted iteration keeps classification deterministic when id
	// prefixes overlap.
	prefixes := make([]string, 0, len(t.IDPrefixes))
	for prefix := range t.IDPrefixes {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		if strings.HasPrefix(deviceID, prefix) {
			return models.KnownModel(t.IDPrefixes[prefix])
		}
	}

	if t.BrandPrefix != "" &&
		strings.HasPrefix(strings.ToLower(productName), strings.ToLower(t.BrandPrefix)) {
		return models.UnknownButInFamily
	}

	return models.NotInFamily
}

// deviceResult is one entry of the cloud device listing.
type deviceResult struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	ProductID string `json:"product_id"`
	LocalKey  string `json:"local_key"`
	IP        string `json:"ip"`
	Online    bool   `json:"online"`
}

// Resolver retrieves the account's device listing and classifies
// which devices belong to the product family.
type Resolver struct {
	cfg   config.CloudConfig
	table *FamilyTable
	http  *http.Client
}

// NewResolver creates a device directory resolver.
func NewResolver(cfg config.CloudConfig, table *FamilyTable) *Resolver {
	return &Resolver{
		cfg:   cfg,
		table: table,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// ListDevices returns the family-classified devices visible to the
// account, with NotInFamily entries excluded. Devices with an empty
// local key are retained; the resolver never fabricates a key.
func (r *Resolver) ListDevices(ctx context.Context, bundle *models.TokenBundle) ([]models.DeviceRecord, error) {
	all, err := r.ListAllDevices(ctx, bundle)
	if err != nil {
		return nil, err
	}

	records := all[:0]
	for _, rec := range all {
		if rec.Classification.Kind != models.ClassificationNotInFamily {
			records = append(records, rec)
		}
	}
	return records, nil
}

// ListAllDevices returns every device the cloud account lists,
// including ones outside the product family.
func (r *Resolver) ListAllDevices(ctx context.Context, bundle *models.TokenBundle) ([]models.DeviceRecord, error) {
	var results []deviceResult
	if err := r.get(ctx, bundle, "/v1.0/m/life/ha/devices", &results); err != nil {
		return nil, err
	}

	records := make([]models.DeviceRecord, 0, len(results))
	for _, d := range results {
		rec := r.toRecord(d)
		if !rec.HasLocalKey() {
			log.Warn().
				Str("device_id", rec.DeviceID).
				Msg("cloud listing carries no local key for device")
		}
		records = append(records, rec)
	}

	log.Info().Int("count", len(records)).Msg("device directory fetched")
	return records, nil
}

// ResolveDevice refetches a single device, used for local-key
// recovery after an authentication mismatch.
func (r *Resolver) ResolveDevice(ctx context.Context, bundle *models.TokenBundle, deviceID string) (*models.DeviceRecord, error) {
	var result deviceResult
	if err := r.get(ctx, bundle, "/v1.0/m/life/ha/devices/"+url.PathEscape(deviceID), &result); err != nil {
		return nil, err
	}

	rec := r.toRecord(result)
	return &rec, nil
}

func (r *Resolver) toRecord(d deviceResult) models.DeviceRecord {
	return models.DeviceRecord{
		DeviceID:          d.ID,
		DisplayName:       d.Name,
		ProductCategory:   d.Category,
		ProductIdentifier: d.ProductID,
		LocalKey:          d.LocalKey,
		LastKnownAddress:  d.IP,
		OnlineHint:        d.Online,
		Classification:    r.table.Classify(d.ID, d.ProductID, d.Name),
	}
}

// get issues one authenticated GET against the account's issued API
// endpoint, falling back to the configured base URL.
func (r *Resolver) get(ctx context.Context, bundle *models.TokenBundle, path string, out interface{}) error {
	base := bundle.APIEndpoint
	if base == "" {
		base = r.cfg.BaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access_token", bundle.AccessToken)
	req.Header.Set("client_id", r.cfg.ClientID)

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCloudUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrCloudUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrCloudUnreachable, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", ErrCloudUnreachable, err)
	}

	if !env.Success {
		return mapErrorCode(env.Code, env.Msg)
	}

	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%w: decode result: %v", ErrCloudUnreachable, err)
		}
	}

	return nil
}

// DefaultFamilyTable is the built-in known-products table for the
// supported hood and cooktop models.
func DefaultFamilyTable() *FamilyTable {
	return &FamilyTable{
		Products: map[string]string{
			"ypaixllljc2dcpae": "hood-x",
			"cq1p0nt0a4rixnex": "hood-s",
			"kxdd6q1u35aikylr": "cooktop-ind5",
		},
		IDPrefixes: map[string]string{
			"bfa8d5c3": "hood-x",
			"bf734xaq": "cooktop-ind5",
		},
		BrandPrefix: "KKT",
	}
}
