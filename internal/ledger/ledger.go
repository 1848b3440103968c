// Package ledger persists per-deployment status records with an append-only
// history in a blob store.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/helion-deployer/internal/blobstore"
)

const (
	keyPrefix = "deployment_"
	keySuffix = ".json"

	// TimeLayout is the UTC layout used for datetime and history entries.
	TimeLayout = "2006-01-02 15:04:05.000000"

	noPackage = "N/A"
)

// Record is the persisted status document. Fields are declared in JSON key
// order so serialized records have sorted keys.
type Record struct {
	Datetime     string   `json:"datetime"`
	DeployID     string   `json:"deploy_id"`
	DeployStatus string   `json:"deploy_status"`
	Destination  string   `json:"destination"`
	History      []string `json:"history"`
	Package      string   `json:"package"`
}

// Found reports whether the record carries a status.
func (r Record) Found() bool {
	return r.DeployStatus != ""
}

// PackageInfo binds the display fields written into records.
type PackageInfo struct {
	Name        string
	Destination string
}

// Ledger reads and writes status records.
type Ledger struct {
	store  blobstore.Store
	logger *slog.Logger
	pkg    *PackageInfo
	now    func() time.Time
}

// New returns a ledger with no package bound.
func New(store blobstore.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// ForPackage returns a copy of the ledger bound to pkg.
func (l *Ledger) ForPackage(pkg PackageInfo) *Ledger {
	clone := *l
	clone.pkg = &pkg
	return &clone
}

// Key returns the blob key holding the record for id.
func Key(id string) string {
	return keyPrefix + id + keySuffix
}

func (l *Ledger) packageFields() (string, string) {
	if l.pkg == nil {
		return noPackage, ""
	}
	return l.pkg.Name, l.pkg.Destination
}

func (l *Ledger) defaultRecord(id string) Record {
	name, dest := l.packageFields()
	return Record{
		DeployID:    id,
		Destination: dest,
		History:     []string{},
		Package:     name,
	}
}

// Get returns the record for id. Missing or unreadable records yield a
// default record with an empty status and history.
func (l *Ledger) Get(ctx context.Context, id string) Record {
	data, err := l.store.Get(ctx, Key(id))
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			l.logger.Error("read deployment status failed", "deployment_id", id, "error", err)
		}
		return l.defaultRecord(id)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		l.logger.Error("decode deployment status failed", "deployment_id", id, "error", err)
		return l.defaultRecord(id)
	}
	if rec.History == nil {
		rec.History = []string{}
	}
	return rec
}

// Set appends status to the history of id and writes the record back.
// Write failures are returned.
func (l *Ledger) Set(ctx context.Context, id, status string) (Record, error) {
	rec := l.Get(ctx, id)
	stamp := l.now().UTC().Format(TimeLayout)
	name, dest := l.packageFields()

	rec.DeployID = id
	rec.DeployStatus = status
	rec.Datetime = stamp
	rec.Destination = dest
	rec.Package = name
	rec.History = append(rec.History, stamp+" ~ "+status)

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode deployment status: %w", err)
	}
	if err := l.store.Put(ctx, Key(id), data); err != nil {
		return Record{}, fmt.Errorf("write deployment status %s: %w", id, err)
	}
	l.logger.Info("deployment status set", "deployment_id", id, "status", status)
	return rec, nil
}

// All returns every parseable record in the store.
func (l *Ledger) All(ctx context.Context) ([]Record, error) {
	objects, err := l.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list deployment records: %w", err)
	}
	records := make([]Record, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Name, keySuffix) {
			continue
		}
		data, err := l.store.Get(ctx, obj.Name)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.History == nil {
			rec.History = []string{}
		}
		records = append(records, rec)
	}
	return records, nil
}
