package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/sdmgr/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDomains      = []byte("domains")
	bucketDomainNames  = []byte("domain_names")
	bucketSites        = []byte("sites")
	bucketSiteLabels   = []byte("site_labels")
	bucketProviders     = []byte("providers")
	bucketProviderState = []byte("provider_state")
	bucketSettings      = []byte("settings")
	bucketStatusChecks  = []byte("status_checks")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBoltStore(filepath.Join(dataDir, "sdmgr.db"))
}

// OpenBoltStore opens a BoltDB store at an explicit file path
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDomains,
			bucketDomainNames,
			bucketSites,
			bucketSiteLabels,
			bucketProviders,
			bucketProviderState,
			bucketSettings,
			bucketStatusChecks,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		for _, parent := range [][]byte{bucketProviders, bucketProviderState} {
			b := tx.Bucket(parent)
			for _, kind := range types.ProviderKinds {
				if _, err := b.CreateBucketIfNotExists([]byte(kind)); err != nil {
					return fmt.Errorf("failed to create bucket %s/%s: %w", parent, kind, err)
				}
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Domain operations
func (s *BoltStore) CreateDomain(domain *types.Domain) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDomains)
		names := tx.Bucket(bucketDomainNames)
		if names.Get([]byte(domain.Name)) != nil {
			return fmt.Errorf("domain %s: %w", domain.Name, ErrDuplicate)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		domain.ID = int(seq)

		if err := names.Put([]byte(domain.Name), itob(domain.ID)); err != nil {
			return err
		}
		return putJSON(b, itob(domain.ID), domain)
	})
}

func (s *BoltStore) GetDomain(id int) (*types.Domain, error) {
	var domain types.Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDomains).Get(itob(id))
		if data == nil {
			return fmt.Errorf("domain %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &domain)
	})
	if err != nil {
		return nil, err
	}
	return &domain, nil
}

func (s *BoltStore) GetDomainByName(name string) (*types.Domain, error) {
	var domain types.Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketDomainNames).Get([]byte(name))
		if id == nil {
			return fmt.Errorf("domain %s: %w", name, ErrNotFound)
		}
		data := tx.Bucket(bucketDomains).Get(id)
		if data == nil {
			return fmt.Errorf("domain %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &domain)
	})
	if err != nil {
		return nil, err
	}
	return &domain, nil
}

func (s *BoltStore) listDomains(keep func(*types.Domain) bool) ([]*types.Domain, error) {
	var domains []*types.Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDomains).ForEach(func(k, v []byte) error {
			var domain types.Domain
			if err := json.Unmarshal(v, &domain); err != nil {
				return err
			}
			if keep == nil || keep(&domain) {
				domains = append(domains, &domain)
			}
			return nil
		})
	})
	return domains, err
}

func (s *BoltStore) ListDomains() ([]*types.Domain, error) {
	return s.listDomains(nil)
}

func (s *BoltStore) ListActiveDomains() ([]*types.Domain, error) {
	return s.listDomains(func(d *types.Domain) bool { return d.Active })
}

func (s *BoltStore) ListDomainsBySite(siteID int) ([]*types.Domain, error) {
	return s.listDomains(func(d *types.Domain) bool { return d.SiteID == siteID })
}

func (s *BoltStore) UpdateDomain(domain *types.Domain) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDomains)
		names := tx.Bucket(bucketDomainNames)

		data := b.Get(itob(domain.ID))
		if data == nil {
			return fmt.Errorf("domain %d: %w", domain.ID, ErrNotFound)
		}
		var existing types.Domain
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}

		if existing.Name != domain.Name {
			if owner := names.Get([]byte(domain.Name)); owner != nil && !bytes.Equal(owner, itob(domain.ID)) {
				return fmt.Errorf("domain %s: %w", domain.Name, ErrDuplicate)
			}
			if err := names.Delete([]byte(existing.Name)); err != nil {
				return err
			}
			if err := names.Put([]byte(domain.Name), itob(domain.ID)); err != nil {
				return err
			}
		}
		return putJSON(b, itob(domain.ID), domain)
	})
}

func (s *BoltStore) DeleteDomain(id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDomains)
		data := b.Get(itob(id))
		if data == nil {
			return nil
		}
		var existing types.Domain
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDomainNames).Delete([]byte(existing.Name)); err != nil {
			return err
		}
		return b.Delete(itob(id))
	})
}

// Site operations
func (s *BoltStore) CreateSite(site *types.Site) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSites)
		labels := tx.Bucket(bucketSiteLabels)
		if labels.Get([]byte(site.Label)) != nil {
			return fmt.Errorf("site %s: %w", site.Label, ErrDuplicate)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		site.ID = int(seq)

		if err := labels.Put([]byte(site.Label), itob(site.ID)); err != nil {
			return err
		}
		return putJSON(b, itob(site.ID), site)
	})
}

func (s *BoltStore) GetSite(id int) (*types.Site, error) {
	var site types.Site
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSites).Get(itob(id))
		if data == nil {
			return fmt.Errorf("site %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &site)
	})
	if err != nil {
		return nil, err
	}
	return &site, nil
}

func (s *BoltStore) GetSiteByLabel(label string) (*types.Site, error) {
	var site types.Site
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketSiteLabels).Get([]byte(label))
		if id == nil {
			return fmt.Errorf("site %s: %w", label, ErrNotFound)
		}
		data := tx.Bucket(bucketSites).Get(id)
		if data == nil {
			return fmt.Errorf("site %s: %w", label, ErrNotFound)
		}
		return json.Unmarshal(data, &site)
	})
	if err != nil {
		return nil, err
	}
	return &site, nil
}

func (s *BoltStore) ListSites() ([]*types.Site, error) {
	var sites []*types.Site
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSites).ForEach(func(k, v []byte) error {
			var site types.Site
			if err := json.Unmarshal(v, &site); err != nil {
				return err
			}
			sites = append(sites, &site)
			return nil
		})
	})
	return sites, err
}

func (s *BoltStore) UpdateSite(site *types.Site) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSites)
		labels := tx.Bucket(bucketSiteLabels)

		data := b.Get(itob(site.ID))
		if data == nil {
			return fmt.Errorf("site %d: %w", site.ID, ErrNotFound)
		}
		var existing types.Site
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}

		if existing.Label != site.Label {
			if owner := labels.Get([]byte(site.Label)); owner != nil && !bytes.Equal(owner, itob(site.ID)) {
				return fmt.Errorf("site %s: %w", site.Label, ErrDuplicate)
			}
			if err := labels.Delete([]byte(existing.Label)); err != nil {
				return err
			}
			if err := labels.Put([]byte(site.Label), itob(site.ID)); err != nil {
				return err
			}
		}
		return putJSON(b, itob(site.ID), site)
	})
}

// Provider operations. Each kind has its own nested bucket and id sequence.
// Agent state is kept apart from the record, under the same kind and id in
// the provider_state bucket, and stored byte for byte.

func stateBucket(tx *bolt.Tx, kind types.ProviderKind) *bolt.Bucket {
	return tx.Bucket(bucketProviderState).Bucket([]byte(kind))
}

func loadState(tx *bolt.Tx, provider *types.Provider) {
	if b := stateBucket(tx, provider.Kind); b != nil {
		if v := b.Get(itob(provider.ID)); v != nil {
			provider.State = append([]byte(nil), v...)
		}
	}
}

func (s *BoltStore) CreateProvider(provider *types.Provider) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviders).Bucket([]byte(provider.Kind))
		if b == nil {
			return fmt.Errorf("unknown provider kind: %s", provider.Kind)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		provider.ID = int(seq)
		if provider.ConfigID == "" {
			provider.ConfigID = types.DefaultConfigID(provider.Kind, provider.ID)
		}
		provider.UpdatedTime = time.Now()
		if len(provider.State) > 0 {
			if err := stateBucket(tx, provider.Kind).Put(itob(provider.ID), provider.State); err != nil {
				return err
			}
		}
		return putJSON(b, itob(provider.ID), provider)
	})
}

func (s *BoltStore) GetProvider(kind types.ProviderKind, id int) (*types.Provider, error) {
	var provider types.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviders).Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%s provider %d: %w", kind, id, ErrNotFound)
		}
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("%s provider %d: %w", kind, id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &provider); err != nil {
			return err
		}
		loadState(tx, &provider)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &provider, nil
}

func (s *BoltStore) ListProviders(kind types.ProviderKind) ([]*types.Provider, error) {
	var providers []*types.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviders).Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("unknown provider kind: %s", kind)
		}
		return b.ForEach(func(k, v []byte) error {
			var provider types.Provider
			if err := json.Unmarshal(v, &provider); err != nil {
				return err
			}
			loadState(tx, &provider)
			providers = append(providers, &provider)
			return nil
		})
	})
	return providers, err
}

func (s *BoltStore) UpdateProvider(provider *types.Provider) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviders).Bucket([]byte(provider.Kind))
		if b == nil || b.Get(itob(provider.ID)) == nil {
			return fmt.Errorf("%s provider %d: %w", provider.Kind, provider.ID, ErrNotFound)
		}
		provider.UpdatedTime = time.Now()
		return putJSON(b, itob(provider.ID), provider)
	})
}

func (s *BoltStore) SaveProviderState(kind types.ProviderKind, id int, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviders).Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%s provider %d: %w", kind, id, ErrNotFound)
		}
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("%s provider %d: %w", kind, id, ErrNotFound)
		}
		var provider types.Provider
		if err := json.Unmarshal(data, &provider); err != nil {
			return err
		}
		sb := stateBucket(tx, kind)
		if len(state) == 0 {
			if err := sb.Delete(itob(id)); err != nil {
				return err
			}
		} else if err := sb.Put(itob(id), state); err != nil {
			return err
		}
		provider.UpdatedTime = time.Now()
		return putJSON(b, itob(id), &provider)
	})
}

// Setting operations. Settings live in a nested bucket per config id.
func (s *BoltStore) SetSetting(configID, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketSettings).CreateBucketIfNotExists([]byte(configID))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) GetSettings(configID string) (map[string]string, error) {
	settings := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings).Bucket([]byte(configID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			settings[string(k)] = string(v)
			return nil
		})
	})
	return settings, err
}

// Status check operations
func (s *BoltStore) GetStatusCheck(checkID string) (*types.StatusCheck, error) {
	var check types.StatusCheck
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStatusChecks).Get([]byte(checkID))
		if data == nil {
			return fmt.Errorf("status check %s: %w", checkID, ErrNotFound)
		}
		return json.Unmarshal(data, &check)
	})
	if err != nil {
		return nil, err
	}
	return &check, nil
}

func (s *BoltStore) PutStatusCheck(check *types.StatusCheck) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketStatusChecks), []byte(check.CheckID), check)
	})
}

func (s *BoltStore) ListStatusChecks(prefix string) ([]*types.StatusCheck, error) {
	var checks []*types.StatusCheck
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStatusChecks).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var check types.StatusCheck
			if err := json.Unmarshal(v, &check); err != nil {
				return err
			}
			checks = append(checks, &check)
		}
		return nil
	})
	return checks, err
}

// String describes the store for logs
func (s *BoltStore) String() string {
	return "bolt:" + s.db.Path()
}
