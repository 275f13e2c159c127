package atc

import "time"

// NotificationRecord is one successful delivery notification.
type NotificationRecord struct {
	ID         uint      `gorm:"primaryKey"`
	NotifiedAt time.Time `gorm:"index"`
	Channel    string    `gorm:"index;size:32"`
	FacilityID string    `gorm:"index;size:32"`
	DeliveryID string    `gorm:"index;size:64"`
	ShiftLabel string    `gorm:"size:32"`
	TotalCases float64
	Items      int
	Recipients int
	Subject    string `gorm:"type:text"`
}

// CycleRecord is the outcome of one polling cycle.
type CycleRecord struct {
	ID           uint      `gorm:"primaryKey"`
	CycleID      string    `gorm:"uniqueIndex;size:36"`
	StartedAt    time.Time `gorm:"index"`
	EndedAt      time.Time
	DurationMs   int64
	OK           bool   `gorm:"index"`
	Error        string `gorm:"type:text"`
	Rows         int
	Parsed       int
	Dropped      int
	Defaulted    int
	NewEvents    int
	Deliveries   int
	Notified     int
	Deferred     int
	LocalAlerts  int
	SeenSetSize  int
	EventLogSize int
}
