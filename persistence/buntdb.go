package persistence

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/buntdb"
	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/types"
)

const boardKeyPrefix = "board:"

type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	dsn := cfg.Persistence.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := buntdb.Open(dsn)
	if err != nil {
		return nil, err
	}
	return &BuntDBPersist{db: db}, nil
}

func (p *BuntDBPersist) GetBoard(id string) (*types.BoardSnapshot, error) {
	snap := &types.BoardSnapshot{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(boardKeyPrefix + id)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), snap)
	})
	if err == buntdb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (p *BuntDBPersist) PutBoard(snap *types.BoardSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(boardKeyPrefix+snap.Board.Id, string(data), nil)
		return err
	})
}

func (p *BuntDBPersist) DeleteBoard(id string) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(boardKeyPrefix + id)
		return err
	})
	if err == buntdb.ErrNotFound {
		return ErrNotFound
	}
	return err
}

func (p *BuntDBPersist) ListBoards() ([]*types.BoardSnapshot, error) {
	snaps := make([]*types.BoardSnapshot, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		var innerErr error
		err := tx.AscendKeys(boardKeyPrefix+"*", func(key, val string) bool {
			if !strings.HasPrefix(key, boardKeyPrefix) {
				return true
			}
			snap := &types.BoardSnapshot{}
			if innerErr = json.Unmarshal([]byte(val), snap); innerErr != nil {
				return false
			}
			snaps = append(snaps, snap)
			return true
		})
		if err != nil {
			return err
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
