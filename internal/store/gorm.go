package store

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sketchsync/internal/model"
	"sketchsync/protocol"
)

// Gorm persists board state in Postgres.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (g *Gorm) Elements(ctx context.Context, boardID string) ([]protocol.ElementPayload, error) {
	var rows []model.BoardElement
	if err := g.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]protocol.ElementPayload, 0, len(rows))
	for _, row := range rows {
		out = append(out, protocol.ElementPayload{
			ElementID: row.ElementID,
			PageID:    row.PageID,
			Kind:      row.Kind,
			Data:      json.RawMessage(row.Data),
			Version:   row.Version,
			UserID:    row.CreatedBy,
		})
	}
	return out, nil
}

func (g *Gorm) SaveElement(ctx context.Context, boardID string, el protocol.ElementPayload) error {
	row := model.BoardElement{
		BoardID:   boardID,
		ElementID: el.ElementID,
		PageID:    el.PageID,
		Kind:      el.Kind,
		Data:      string(el.Data),
		Version:   el.Version,
		CreatedBy: el.UserID,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "board_id"}, {Name: "element_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"page_id", "kind", "data", "version"}),
	}).Create(&row).Error
}

func (g *Gorm) DeleteElement(ctx context.Context, boardID, elementID string) error {
	return g.db.WithContext(ctx).
		Where("board_id = ? AND element_id = ?", boardID, elementID).
		Delete(&model.BoardElement{}).Error
}

func (g *Gorm) Pages(ctx context.Context, boardID string) ([]protocol.PagePayload, error) {
	var rows []model.BoardPage
	if err := g.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Order("index ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]protocol.PagePayload, 0, len(rows))
	for _, row := range rows {
		out = append(out, protocol.PagePayload{
			PageID: row.PageID,
			Name:   row.Name,
			Index:  row.Index,
		})
	}
	return out, nil
}

func (g *Gorm) SavePage(ctx context.Context, boardID string, p protocol.PagePayload) error {
	row := model.BoardPage{
		BoardID: boardID,
		PageID:  p.PageID,
		Name:    p.Name,
		Index:   p.Index,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "board_id"}, {Name: "page_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "index"}),
	}).Create(&row).Error
}

func (g *Gorm) DeletePage(ctx context.Context, boardID, pageID string) error {
	return g.db.WithContext(ctx).
		Where("board_id = ? AND page_id = ?", boardID, pageID).
		Delete(&model.BoardPage{}).Error
}

func (g *Gorm) Version(ctx context.Context, boardID string) (int64, error) {
	var board model.Board
	err := g.db.WithContext(ctx).Select("version").Where("id = ?", boardID).First(&board).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return board.Version, nil
}

func (g *Gorm) SaveVersion(ctx context.Context, boardID string, version int64) error {
	row := model.Board{ID: boardID, Version: version}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version"}),
	}).Create(&row).Error
}
