package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/sitesync/sitesync/internal/domain"
)

// ArchiveConfig configures a document archive.
type ArchiveConfig struct {
	Path   string
	Logger *logrus.Logger
}

// Archive is a badger-backed copy of document histories, used to inspect
// and resolve conflicts away from the live replica.
//
// Key layout:
//
//	doc/<id>            JSON revision
//	head/<name>         head revision id
//	name/<name>/<id>    membership index
type Archive struct {
	db  *badger.DB
	log *logrus.Logger
}

type archivedDocument struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	ParentIDs []string        `json:"parent_ids"`
	Author    string          `json:"author"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SchemaID  *string         `json:"schema_id,omitempty"`
}

// OpenArchive opens (creating if needed) an archive directory.
func OpenArchive(cfg ArchiveConfig) (*Archive, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Path == "" {
		return nil, errors.New("archive path is required")
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 16
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	cfg.Logger.WithField("path", cfg.Path).Debug("opened document archive")
	return &Archive{db: db, log: cfg.Logger}, nil
}

// Close closes the archive.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Put stores revisions. Existing revisions are left untouched since
// revisions are immutable.
func (a *Archive) Put(docs ...*domain.Document) error {
	stored := 0
	err := a.db.Update(func(txn *badger.Txn) error {
		for _, d := range docs {
			key := []byte("doc/" + d.ID)
			if _, err := txn.Get(key); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			val, err := json.Marshal(archivedDocument{
				ID:        d.ID,
				Name:      d.Name,
				ParentIDs: d.ParentIDs,
				Author:    d.Author,
				Timestamp: d.Timestamp.UTC(),
				Type:      d.Type,
				Data:      d.Data,
				SchemaID:  d.SchemaID,
			})
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", d.ID, err)
			}
			if err := txn.Set(key, val); err != nil {
				return err
			}
			if err := txn.Set([]byte("name/"+d.Name+"/"+d.ID), nil); err != nil {
				return err
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{"stored": stored, "skipped": len(docs) - stored}).Debug("archived revisions")
	return nil
}

// SetHead points a document name at a revision.
func (a *Archive) SetHead(name, id string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("head/"+name), []byte(id))
	})
}

// Head implements Store.
func (a *Archive) Head(_ context.Context, name string) (string, bool, error) {
	var id string
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("head/" + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Document implements Store.
func (a *Archive) Document(_ context.Context, id string) (*domain.Document, error) {
	var doc *domain.Document
	err := a.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = getDocument(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// AncestorDetail implements Source.
func (a *Archive) AncestorDetail(ctx context.Context, id string) (AncestorDetail, error) {
	doc, err := a.Document(ctx, id)
	if err != nil {
		return AncestorDetail{}, err
	}
	return AncestorDetail{ID: doc.ID, ParentIDs: doc.ParentIDs, Timestamp: doc.Timestamp}, nil
}

// NameHistory implements Store.
func (a *Archive) NameHistory(_ context.Context, name string) ([]AncestorDetail, error) {
	var result []AncestorDetail
	err := a.db.View(func(txn *badger.Txn) error {
		prefix := []byte("name/" + name + "/")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			doc, err := getDocument(txn, id)
			if err != nil {
				return err
			}
			result = append(result, AncestorDetail{ID: doc.ID, ParentIDs: doc.ParentIDs, Timestamp: doc.Timestamp})
		}
		return nil
	})
	return result, err
}

func getDocument(txn *badger.Txn, id string) (*domain.Document, error) {
	item, err := txn.Get([]byte("doc/" + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var ad archivedDocument
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ad)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", id, err)
	}

	doc := &domain.Document{
		ID:        ad.ID,
		Name:      ad.Name,
		ParentIDs: ad.ParentIDs,
		Author:    ad.Author,
		Timestamp: ad.Timestamp,
		Type:      ad.Type,
		Data:      ad.Data,
		SchemaID:  ad.SchemaID,
	}
	return doc, nil
}
