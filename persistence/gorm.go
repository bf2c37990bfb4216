package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// boardRecord stores a whole board snapshot as a JSON document, the
// relational backends are treated as key-value stores just like buntdb.
type boardRecord struct {
	Id        string `gorm:"primaryKey"`
	Snapshot  datatypes.JSON
	UpdatedAt time.Time
}

func (boardRecord) TableName() string { return "boards" }

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch cfg.Persistence.Type {
	case "postgres":
		dial = postgres.Open(cfg.Persistence.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.Persistence.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.Migrator().AutoMigrate(&boardRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

func (p *GormPersist) GetBoard(id string) (*types.BoardSnapshot, error) {
	record := boardRecord{Id: id}
	err := p.db.First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap := &types.BoardSnapshot{}
	if err := json.Unmarshal(record.Snapshot, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (p *GormPersist) PutBoard(snap *types.BoardSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	record := boardRecord{Id: snap.Board.Id, Snapshot: data}
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

func (p *GormPersist) DeleteBoard(id string) error {
	res := p.db.Delete(&boardRecord{Id: id})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) ListBoards() ([]*types.BoardSnapshot, error) {
	records := make([]*boardRecord, 0)
	if err := p.db.Find(&records).Error; err != nil {
		return nil, err
	}
	snaps := make([]*types.BoardSnapshot, 0, len(records))
	for _, record := range records {
		snap := &types.BoardSnapshot{}
		if err := json.Unmarshal(record.Snapshot, snap); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (p *GormPersist) Close() error {
	return nil
}
