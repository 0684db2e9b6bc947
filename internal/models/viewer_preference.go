package models

// ViewerPreference persists per-printer viewer settings: the last window
// geometry a user applied to a detached stream viewer and the last viewing
// mode they selected. The next viewer opened for the same printer is restored
// to these.
type ViewerPreference struct {
	BaseModel
	PrinterID string `gorm:"uniqueIndex;not null" json:"printer_id"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Mode      string `json:"mode"`
}

// TableName overrides the default GORM table name.
func (ViewerPreference) TableName() string {
	return "viewer_preferences"
}
