package specification

import "gorm.io/gorm"

type BySessionID struct {
	SessionID string
}

func (s BySessionID) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("session_id = ?", s.SessionID)
}

type AfterMessageID struct {
	MessageID int64
}

func (s AfterMessageID) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("message_id > ?", s.MessageID)
}

type OrderByMessageID struct {
	Desc bool
}

func (s OrderByMessageID) Apply(db *gorm.DB) *gorm.DB {
	if s.Desc {
		return db.Order("message_id DESC")
	}
	return db.Order("message_id ASC")
}

type Limit struct {
	N int
}

func (s Limit) Apply(db *gorm.DB) *gorm.DB {
	if s.N <= 0 {
		return db
	}
	return db.Limit(s.N)
}

type BySender struct {
	SenderID string
}

func (s BySender) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("sender_id = ?", s.SenderID)
}
