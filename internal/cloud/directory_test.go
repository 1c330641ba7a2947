package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hoodlink/hoodlink-server/internal/config"
	"github.com/hoodlink/hoodlink-server/internal/models"
)

func TestFamilyTableClassify(t *testing.T) {
	t.Parallel()

	table := DefaultFamilyTable()

	tests := []struct {
		name      string
		deviceID  string
		productID string
		prodName  string
		wantKind  models.ClassificationKind
		wantModel string
	}{
		{
			name:      "exact product match",
			deviceID:  "whatever",
			productID: "ypaixllljc2dcpae",
			prodName:  "Some Hood",
			wantKind:  models.ClassificationKnownModel,
			wantModel: "hood-x",
		},
		{
			name:      "product match beats id prefix",
			deviceID:  "bf734xaq0001",
			productID: "ypaixllljc2dcpae",
			prodName:  "x",
			wantKind:  models.ClassificationKnownModel,
			wantModel: "hood-x",
		},
		{
			name:      "id prefix match",
			deviceID:  "bfa8d5c3174cc23a",
			productID: "unknown-pid",
			prodName:  "x",
			wantKind:  models.ClassificationKnownModel,
			wantModel: "hood-x",
		},
		{
			name:      "brand prefix case-insensitive",
			deviceID:  "zz9900",
			productID: "unknown-pid",
			prodName:  "kkt Premium Hood",
			wantKind:  models.ClassificationUnknownButInFamily,
		},
		{
			name:      "no match",
			deviceID:  "zz9900",
			productID: "unknown-pid",
			prodName:  "Generic Plug",
			wantKind:  models.ClassificationNotInFamily,
		},
		{
			name:      "brand name must be a prefix",
			deviceID:  "zz9900",
			productID: "unknown-pid",
			prodName:  "Cooktop by KKT",
			wantKind:  models.ClassificationNotInFamily,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := table.Classify(tt.deviceID, tt.productID, tt.prodName)
			if got.Kind != tt.wantKind {
				t.Fatalf("kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if got.ModelKey != tt.wantModel {
				t.Fatalf("model key = %q, want %q", got.ModelKey, tt.wantModel)
			}
		})
	}
}

func TestClassifyOverlappingPrefixesDeterministic(t *testing.T) {
	t.Parallel()

	table := &FamilyTable{
		IDPrefixes: map[string]string{
			"bf":   "model-short",
			"bfa8": "model-long",
		},
	}

	// First match in sorted prefix order wins, every run.
	for i := 0; i < 50; i++ {
		got := table.Classify("bfa8d5c3", "", "")
		if got.ModelKey != "model-short" {
			t.Fatalf("run %d: model key = %q", i, got.ModelKey)
		}
	}
}

func testResolver(baseURL string) *Resolver {
	return NewResolver(config.CloudConfig{
		BaseURL:        baseURL,
		ClientID:       "client-123",
		RequestTimeout: 5 * time.Second,
	}, DefaultFamilyTable())
}

func directoryBundle(endpoint string) *models.TokenBundle {
	return &models.TokenBundle{
		AccessToken: "at-1",
		APIEndpoint: endpoint,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

const directoryBody = `[
	{"id":"dev-hood","name":"Kitchen Hood","category":"yyj","product_id":"ypaixllljc2dcpae","local_key":"k1k1k1k1k1k1k1k1","ip":"192.168.1.40","online":true},
	{"id":"KKT-mystery","name":"KKT Hood 9000","category":"yyj","product_id":"zzz","local_key":"k2k2k2k2k2k2k2k2","ip":"","online":false},
	{"id":"dev-plug","name":"Smart Plug","category":"cz","product_id":"plugpid","local_key":"k3k3k3k3k3k3k3k3","ip":"","online":true}
]`

func TestListDevicesFiltersForeignDevices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/m/life/ha/devices" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("access_token") != "at-1" {
			t.Errorf("access_token header = %q", r.Header.Get("access_token"))
		}
		if r.Header.Get("client_id") != "client-123" {
			t.Errorf("client_id header = %q", r.Header.Get("client_id"))
		}
		fmt.Fprint(w, okEnvelope(directoryBody))
	}))
	defer srv.Close()

	records, err := testResolver("http://fallback.invalid").ListDevices(context.Background(), directoryBundle(srv.URL))
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (plug filtered out): %+v", len(records), records)
	}
	if records[0].DeviceID != "dev-hood" || records[0].Classification.ModelKey != "hood-x" {
		t.Fatalf("first record = %+v", records[0])
	}
	if records[1].DeviceID != "KKT-mystery" ||
		records[1].Classification.Kind != models.ClassificationUnknownButInFamily {
		t.Fatalf("second record = %+v", records[1])
	}
	if !records[0].OnlineHint || records[0].LastKnownAddress != "192.168.1.40" {
		t.Fatalf("hood record lost listing fields: %+v", records[0])
	}
}

func TestListAllDevicesKeepsForeignDevices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okEnvelope(directoryBody))
	}))
	defer srv.Close()

	records, err := testResolver(srv.URL).ListAllDevices(context.Background(), directoryBundle(""))
	if err != nil {
		t.Fatalf("ListAllDevices: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[2].Classification.Kind != models.ClassificationNotInFamily {
		t.Fatalf("plug classified as %+v", records[2].Classification)
	}
}

func TestListAllDevicesFallsBackToBaseURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okEnvelope(`[]`))
	}))
	defer srv.Close()

	// Empty endpoint in the bundle: configured base URL serves.
	records, err := testResolver(srv.URL).ListAllDevices(context.Background(), directoryBundle(""))
	if err != nil {
		t.Fatalf("ListAllDevices: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d records, want 0", len(records))
	}
}

func TestResolveDevice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/m/life/ha/devices/dev-hood" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, okEnvelope(`{"id":"dev-hood","name":"Kitchen Hood","product_id":"ypaixllljc2dcpae","local_key":"k9k9k9k9k9k9k9k9","ip":"192.168.1.41","online":true}`))
	}))
	defer srv.Close()

	rec, err := testResolver(srv.URL).ResolveDevice(context.Background(), directoryBundle(""), "dev-hood")
	if err != nil {
		t.Fatalf("ResolveDevice: %v", err)
	}
	if rec.LocalKey != "k9k9k9k9k9k9k9k9" || rec.LastKnownAddress != "192.168.1.41" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Classification.ModelKey != "hood-x" {
		t.Fatalf("classification = %+v", rec.Classification)
	}
}
