package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/types"
)

var (
	// Bucket names
	bucketDefinitions     = []byte("definitions")
	bucketArtifacts       = []byte("artifacts")
	bucketWorkerTemplates = []byte("worker_templates")
	bucketEvents          = []byte("events")
	bucketEventsByAgg     = []byte("events_by_aggregate")
)

// DocStore is the schemaless half of the substrate: definitions with their
// cached artifacts, worker templates, and the append-only event history.
// It never participates in coordination; each control plane node owns its
// own copy fed by the definition sync and the event archive.
type DocStore struct {
	db *bolt.DB
}

// NewDocStore opens (or creates) the document store under dataDir.
func NewDocStore(dataDir string) (*DocStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "documents.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDefinitions,
			bucketArtifacts,
			bucketWorkerTemplates,
			bucketEvents,
			bucketEventsByAgg,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DocStore{db: db}, nil
}

// Close closes the database
func (s *DocStore) Close() error {
	return s.db.Close()
}

// definitionKey addresses one immutable definition version.
func definitionKey(name, version string) []byte {
	return []byte(name + "@" + version)
}

// PutDefinition stores a definition version. Existing versions are only
// overwritten for flag updates (deprecation); content is immutable.
func (s *DocStore) PutDefinition(def *types.Definition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDefinitions)
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return b.Put(definitionKey(def.Name, def.Version), data)
	})
}

// GetDefinition returns one definition version.
func (s *DocStore) GetDefinition(name, version string) (*types.Definition, error) {
	var def types.Definition
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDefinitions).Get(definitionKey(name, version))
		if data == nil {
			return fmt.Errorf("%w: definition %s@%s", ErrNotFound, name, version)
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// LatestDefinition returns the most recently registered version of a
// definition name.
func (s *DocStore) LatestDefinition(name string) (*types.Definition, error) {
	versions, err := s.ListDefinitionVersions(name)
	if err != nil {
		return nil, err
	}
	var latest *types.Definition
	for _, def := range versions {
		if latest == nil || def.CreatedAt.After(latest.CreatedAt) {
			latest = def
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: definition %s", ErrNotFound, name)
	}
	return latest, nil
}

// ListDefinitionVersions returns every version registered under name.
func (s *DocStore) ListDefinitionVersions(name string) ([]*types.Definition, error) {
	var defs []*types.Definition
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDefinitions).Cursor()
		prefix := []byte(name + "@")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var def types.Definition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			defs = append(defs, &def)
		}
		return nil
	})
	return defs, err
}

// DefinitionFilter selects definitions in ListDefinitions.
type DefinitionFilter struct {
	Name          string
	Owner         string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	// IncludeDeprecated keeps deprecated versions in the result.
	IncludeDeprecated bool
}

func (f DefinitionFilter) matches(def *types.Definition) bool {
	if f.Name != "" && def.Name != f.Name {
		return false
	}
	if f.Owner != "" && def.Owner != f.Owner {
		return false
	}
	if !f.CreatedAfter.IsZero() && !def.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !def.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if def.Deprecated && !f.IncludeDeprecated {
		return false
	}
	return true
}

// ListDefinitions returns every definition version matching the filter.
// Name-scoped queries use the key index; the rest scan.
func (s *DocStore) ListDefinitions(filter DefinitionFilter) ([]*types.Definition, error) {
	if filter.Name != "" {
		versions, err := s.ListDefinitionVersions(filter.Name)
		if err != nil {
			return nil, err
		}
		var out []*types.Definition
		for _, def := range versions {
			if filter.matches(def) {
				out = append(out, def)
			}
		}
		return out, nil
	}

	var defs []*types.Definition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDefinitions).ForEach(func(k, v []byte) error {
			var def types.Definition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			if filter.matches(&def) {
				defs = append(defs, &def)
			}
			return nil
		})
	})
	return defs, err
}

// DeprecateDefinition flips the deprecation flag on one version.
func (s *DocStore) DeprecateDefinition(name, version string) (*types.Definition, error) {
	var def types.Definition
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDefinitions)
		key := definitionKey(name, version)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%w: definition %s@%s", ErrNotFound, name, version)
		}
		if err := json.Unmarshal(data, &def); err != nil {
			return err
		}
		def.Deprecated = true
		out, err := json.Marshal(&def)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// DeleteDefinition removes a definition version and its cached artifact.
func (s *DocStore) DeleteDefinition(name, version string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDefinitions)
		key := definitionKey(name, version)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%w: definition %s@%s", ErrNotFound, name, version)
		}
		var def types.Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return err
		}
		if err := tx.Bucket(bucketArtifacts).Delete([]byte(def.ID)); err != nil {
			return err
		}
		return b.Delete(key)
	})
}

// PutArtifact caches the fetched artifact content for a definition id.
func (s *DocStore) PutArtifact(defID string, content []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put([]byte(defID), content)
	})
}

// GetArtifact returns the cached artifact content for a definition id.
func (s *DocStore) GetArtifact(defID string) ([]byte, error) {
	var content []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArtifacts).Get([]byte(defID))
		if data == nil {
			return fmt.Errorf("%w: artifact for definition %s", ErrNotFound, defID)
		}
		content = make([]byte, len(data))
		copy(content, data)
		return nil
	})
	return content, err
}

// PutWorkerTemplate stores a template by name.
func (s *DocStore) PutWorkerTemplate(tmpl *types.WorkerTemplate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(tmpl)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkerTemplates).Put([]byte(tmpl.Name), data)
	})
}

// GetWorkerTemplate returns a template by name.
func (s *DocStore) GetWorkerTemplate(name string) (*types.WorkerTemplate, error) {
	var tmpl types.WorkerTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkerTemplates).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: worker template %s", ErrNotFound, name)
		}
		return json.Unmarshal(data, &tmpl)
	})
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// ListWorkerTemplates returns all templates.
func (s *DocStore) ListWorkerTemplates() ([]*types.WorkerTemplate, error) {
	var tmpls []*types.WorkerTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkerTemplates).ForEach(func(k, v []byte) error {
			var tmpl types.WorkerTemplate
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return err
			}
			tmpls = append(tmpls, &tmpl)
			return nil
		})
	})
	return tmpls, err
}

// eventKey orders events by occurrence time, then insertion sequence.
func eventKey(at time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%016x-%016x", at.UnixNano(), seq))
}

// AppendEvent stores one event and indexes it by aggregate id. Implements
// events.Archive.
func (s *DocStore) AppendEvent(event *events.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := eventKey(event.OccurredAt, seq)
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		if event.AggregateID != "" {
			idx := tx.Bucket(bucketEventsByAgg)
			idxKey := append([]byte(event.AggregateID+"/"), key...)
			if err := idx.Put(idxKey, key); err != nil {
				return err
			}
		}
		return nil
	})
}

// EventFilter selects events in ListEvents.
type EventFilter struct {
	AggregateID string
	Since       time.Time
	Until       time.Time
	Limit       int
}

func (f EventFilter) matches(e *events.Event) bool {
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.OccurredAt.After(f.Until) {
		return false
	}
	return true
}

// ListEvents returns archived events in occurrence order. Aggregate-scoped
// queries use the index; time-scoped queries seek on the primary key.
func (s *DocStore) ListEvents(filter EventFilter) ([]*events.Event, error) {
	var out []*events.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)

		if filter.AggregateID != "" {
			c := tx.Bucket(bucketEventsByAgg).Cursor()
			prefix := []byte(filter.AggregateID + "/")
			for k, primary := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, primary = c.Next() {
				data := b.Get(primary)
				if data == nil {
					continue
				}
				var e events.Event
				if err := json.Unmarshal(data, &e); err != nil {
					return err
				}
				if !filter.matches(&e) {
					continue
				}
				out = append(out, &e)
				if filter.Limit > 0 && len(out) >= filter.Limit {
					return nil
				}
			}
			return nil
		}

		c := b.Cursor()
		var k, v []byte
		if !filter.Since.IsZero() {
			k, v = c.Seek(eventKey(filter.Since, 0))
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			var e events.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !filter.Until.IsZero() && e.OccurredAt.After(filter.Until) {
				break
			}
			if !filter.matches(&e) {
				continue
			}
			out = append(out, &e)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// PruneEvents deletes archived events older than the cutoff, returning how
// many were removed.
func (s *DocStore) PruneEvents(before time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		idx := tx.Bucket(bucketEventsByAgg)
		cutoff := eventKey(before, 0)

		c := b.Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, v = c.Next() {
			var e events.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.AggregateID != "" {
				idxKey := append([]byte(e.AggregateID+"/"), k...)
				if err := idx.Delete(idxKey); err != nil {
					return err
				}
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}
