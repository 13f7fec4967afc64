package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/sdmgr/pkg/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type domainRow struct {
	ID                     uint   `gorm:"primaryKey"`
	Name                   string `gorm:"uniqueIndex;not null"`
	RegistrarID            int
	DNSID                  int
	SiteID                 int `gorm:"index"`
	WAFID                  int
	UpdateApex             bool
	UpdateARecords         string
	GoogleSiteVerification string
	Active                 bool `gorm:"index"`
}

func (domainRow) TableName() string { return "domains" }

type siteRow struct {
	ID        uint   `gorm:"primaryKey"`
	Label     string `gorm:"uniqueIndex;not null"`
	HostingID int
	Active    bool
}

func (siteRow) TableName() string { return "sites" }

type providerRow struct {
	ID          uint   `gorm:"primaryKey"`
	Kind        string `gorm:"index;not null"`
	Label       string
	AgentModule string
	ConfigID    string
	State       []byte
	Active      bool
	UpdatedTime time.Time
}

func (providerRow) TableName() string { return "providers" }

type settingRow struct {
	ConfigID string `gorm:"primaryKey"`
	Key      string `gorm:"primaryKey"`
	Value    string
}

func (settingRow) TableName() string { return "settings" }

type statusCheckRow struct {
	CheckID   string `gorm:"primaryKey"`
	StartTime time.Time
	EndTime   time.Time
	Success   bool
	Output    string
}

func (statusCheckRow) TableName() string { return "status_checks" }

// GormStore implements Store on SQLite through gorm
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (and migrates) a SQLite database at dbPath
func NewGormStore(dbPath string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&domainRow{}, &siteRow{}, &providerRow{}, &settingRow{}, &statusCheckRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &GormStore{db: db}, nil
}

// Close closes the underlying connection pool
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func toDomainRow(d *types.Domain) *domainRow {
	return &domainRow{
		ID:                     uint(d.ID),
		Name:                   d.Name,
		RegistrarID:            d.RegistrarID,
		DNSID:                  d.DNSID,
		SiteID:                 d.SiteID,
		WAFID:                  d.WAFID,
		UpdateApex:             d.UpdateApex,
		UpdateARecords:         d.UpdateARecords,
		GoogleSiteVerification: d.GoogleSiteVerification,
		Active:                 d.Active,
	}
}

func (r *domainRow) toDomain() *types.Domain {
	return &types.Domain{
		ID:                     int(r.ID),
		Name:                   r.Name,
		RegistrarID:            r.RegistrarID,
		DNSID:                  r.DNSID,
		SiteID:                 r.SiteID,
		WAFID:                  r.WAFID,
		UpdateApex:             r.UpdateApex,
		UpdateARecords:         r.UpdateARecords,
		GoogleSiteVerification: r.GoogleSiteVerification,
		Active:                 r.Active,
	}
}

// Domain operations
func (s *GormStore) CreateDomain(domain *types.Domain) error {
	row := toDomainRow(domain)
	row.ID = 0
	if err := s.db.Create(row).Error; err != nil {
		return translate(err, "domain "+domain.Name)
	}
	domain.ID = int(row.ID)
	return nil
}

func (s *GormStore) GetDomain(id int) (*types.Domain, error) {
	var row domainRow
	if err := s.db.First(&row, id).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("domain %d", id))
	}
	return row.toDomain(), nil
}

func (s *GormStore) GetDomainByName(name string) (*types.Domain, error) {
	var row domainRow
	if err := s.db.Where("name = ?", name).First(&row).Error; err != nil {
		return nil, translate(err, "domain "+name)
	}
	return row.toDomain(), nil
}

func (s *GormStore) findDomains(query *gorm.DB) ([]*types.Domain, error) {
	var rows []domainRow
	if err := query.Order("id").Find(&rows).Error; err != nil {
		return nil, translate(err, "domains")
	}
	domains := make([]*types.Domain, 0, len(rows))
	for i := range rows {
		domains = append(domains, rows[i].toDomain())
	}
	return domains, nil
}

func (s *GormStore) ListDomains() ([]*types.Domain, error) {
	return s.findDomains(s.db)
}

func (s *GormStore) ListActiveDomains() ([]*types.Domain, error) {
	return s.findDomains(s.db.Where("active = ?", true))
}

func (s *GormStore) ListDomainsBySite(siteID int) ([]*types.Domain, error) {
	return s.findDomains(s.db.Where("site_id = ?", siteID))
}

func (s *GormStore) UpdateDomain(domain *types.Domain) error {
	res := s.db.Model(&domainRow{ID: uint(domain.ID)}).Select("*").Updates(toDomainRow(domain))
	if res.Error != nil {
		return translate(res.Error, "domain "+domain.Name)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("domain %d: %w", domain.ID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) DeleteDomain(id int) error {
	return translate(s.db.Delete(&domainRow{}, id).Error, fmt.Sprintf("domain %d", id))
}

// Site operations
func (s *GormStore) CreateSite(site *types.Site) error {
	row := &siteRow{Label: site.Label, HostingID: site.HostingID, Active: site.Active}
	if err := s.db.Create(row).Error; err != nil {
		return translate(err, "site "+site.Label)
	}
	site.ID = int(row.ID)
	return nil
}

func (r *siteRow) toSite() *types.Site {
	return &types.Site{ID: int(r.ID), Label: r.Label, HostingID: r.HostingID, Active: r.Active}
}

func (s *GormStore) GetSite(id int) (*types.Site, error) {
	var row siteRow
	if err := s.db.First(&row, id).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("site %d", id))
	}
	return row.toSite(), nil
}

func (s *GormStore) GetSiteByLabel(label string) (*types.Site, error) {
	var row siteRow
	if err := s.db.Where("label = ?", label).First(&row).Error; err != nil {
		return nil, translate(err, "site "+label)
	}
	return row.toSite(), nil
}

func (s *GormStore) ListSites() ([]*types.Site, error) {
	var rows []siteRow
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		return nil, translate(err, "sites")
	}
	sites := make([]*types.Site, 0, len(rows))
	for i := range rows {
		sites = append(sites, rows[i].toSite())
	}
	return sites, nil
}

func (s *GormStore) UpdateSite(site *types.Site) error {
	row := &siteRow{ID: uint(site.ID), Label: site.Label, HostingID: site.HostingID, Active: site.Active}
	res := s.db.Model(&siteRow{ID: uint(site.ID)}).Select("*").Updates(row)
	if res.Error != nil {
		return translate(res.Error, "site "+site.Label)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("site %d: %w", site.ID, ErrNotFound)
	}
	return nil
}

// Provider operations
func (r *providerRow) toProvider() *types.Provider {
	return &types.Provider{
		ID:          int(r.ID),
		Kind:        types.ProviderKind(r.Kind),
		Label:       r.Label,
		AgentModule: r.AgentModule,
		ConfigID:    r.ConfigID,
		State:       r.State,
		Active:      r.Active,
		UpdatedTime: r.UpdatedTime,
	}
}

func (s *GormStore) CreateProvider(provider *types.Provider) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		provider.UpdatedTime = time.Now()
		row := &providerRow{
			Kind:        string(provider.Kind),
			Label:       provider.Label,
			AgentModule: provider.AgentModule,
			ConfigID:    provider.ConfigID,
			State:       provider.State,
			Active:      provider.Active,
			UpdatedTime: provider.UpdatedTime,
		}
		if err := tx.Create(row).Error; err != nil {
			return translate(err, "provider "+provider.Label)
		}
		provider.ID = int(row.ID)
		if provider.ConfigID == "" {
			provider.ConfigID = types.DefaultConfigID(provider.Kind, provider.ID)
			return tx.Model(row).Update("config_id", provider.ConfigID).Error
		}
		return nil
	})
}

func (s *GormStore) GetProvider(kind types.ProviderKind, id int) (*types.Provider, error) {
	var row providerRow
	if err := s.db.Where("kind = ? AND id = ?", string(kind), id).First(&row).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("%s provider %d", kind, id))
	}
	return row.toProvider(), nil
}

func (s *GormStore) ListProviders(kind types.ProviderKind) ([]*types.Provider, error) {
	var rows []providerRow
	if err := s.db.Where("kind = ?", string(kind)).Order("id").Find(&rows).Error; err != nil {
		return nil, translate(err, "providers")
	}
	providers := make([]*types.Provider, 0, len(rows))
	for i := range rows {
		providers = append(providers, rows[i].toProvider())
	}
	return providers, nil
}

func (s *GormStore) UpdateProvider(provider *types.Provider) error {
	provider.UpdatedTime = time.Now()
	res := s.db.Model(&providerRow{}).
		Where("kind = ? AND id = ?", string(provider.Kind), provider.ID).
		Updates(map[string]interface{}{
			"label":        provider.Label,
			"agent_module": provider.AgentModule,
			"config_id":    provider.ConfigID,
			"active":       provider.Active,
			"updated_time": provider.UpdatedTime,
		})
	if res.Error != nil {
		return translate(res.Error, "provider "+provider.Label)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s provider %d: %w", provider.Kind, provider.ID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) SaveProviderState(kind types.ProviderKind, id int, state []byte) error {
	res := s.db.Model(&providerRow{}).
		Where("kind = ? AND id = ?", string(kind), id).
		Updates(map[string]interface{}{"state": state, "updated_time": time.Now()})
	if res.Error != nil {
		return translate(res.Error, fmt.Sprintf("%s provider %d", kind, id))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s provider %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// Setting operations
func (s *GormStore) SetSetting(configID, key, value string) error {
	row := &settingRow{ConfigID: configID, Key: key, Value: value}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "config_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(row).Error
	return translate(err, "setting "+configID+"/"+key)
}

func (s *GormStore) GetSettings(configID string) (map[string]string, error) {
	var rows []settingRow
	if err := s.db.Where("config_id = ?", configID).Find(&rows).Error; err != nil {
		return nil, translate(err, "settings "+configID)
	}
	settings := make(map[string]string, len(rows))
	for _, r := range rows {
		settings[r.Key] = r.Value
	}
	return settings, nil
}

// Status check operations
func (r *statusCheckRow) toStatusCheck() *types.StatusCheck {
	return &types.StatusCheck{
		CheckID:   r.CheckID,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Success:   r.Success,
		Output:    r.Output,
	}
}

func (s *GormStore) GetStatusCheck(checkID string) (*types.StatusCheck, error) {
	var row statusCheckRow
	if err := s.db.Where("check_id = ?", checkID).First(&row).Error; err != nil {
		return nil, translate(err, "status check "+checkID)
	}
	return row.toStatusCheck(), nil
}

func (s *GormStore) PutStatusCheck(check *types.StatusCheck) error {
	row := &statusCheckRow{
		CheckID:   check.CheckID,
		StartTime: check.StartTime,
		EndTime:   check.EndTime,
		Success:   check.Success,
		Output:    check.Output,
	}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
	return translate(err, "status check "+check.CheckID)
}

func (s *GormStore) ListStatusChecks(prefix string) ([]*types.StatusCheck, error) {
	var rows []statusCheckRow
	pattern := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(prefix) + "%"
	if err := s.db.Where(`check_id LIKE ? ESCAPE '\'`, pattern).Order("check_id").Find(&rows).Error; err != nil {
		return nil, translate(err, "status checks")
	}
	checks := make([]*types.StatusCheck, 0, len(rows))
	for i := range rows {
		checks = append(checks, rows[i].toStatusCheck())
	}
	return checks, nil
}
