package model

import (
	"time"
)

// Board is one shared drawing document.
type Board struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(200)" json:"name"`
	Version   int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Elements []BoardElement `gorm:"foreignKey:BoardID" json:"elements,omitempty"`
	Pages    []BoardPage    `gorm:"foreignKey:BoardID" json:"pages,omitempty"`
}

func (Board) TableName() string {
	return "boards"
}

// BoardElement is one addressable drawing object. Data is the element's
// serialized property bag; the collaboration layer never interprets it.
type BoardElement struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BoardID   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_board_element" json:"board_id"`
	ElementID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_board_element" json:"element_id"`
	PageID    string    `gorm:"type:varchar(64);not null;index" json:"page_id"`
	Kind      string    `gorm:"type:varchar(30);not null" json:"kind"`
	Data      string    `gorm:"type:jsonb" json:"data"`
	Version   int64     `gorm:"not null;default:0" json:"version"`
	CreatedBy string    `gorm:"type:varchar(64)" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BoardElement) TableName() string {
	return "board_elements"
}

// BoardPage is one page of a board.
type BoardPage struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BoardID   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_board_page" json:"board_id"`
	PageID    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_board_page" json:"page_id"`
	Name      string    `gorm:"type:varchar(200)" json:"name"`
	Index     int       `gorm:"not null;default:0" json:"index"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BoardPage) TableName() string {
	return "board_pages"
}
