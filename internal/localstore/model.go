package localstore

// DocumentRow persists the working document of one local profile.
type DocumentRow struct {
	Profile          string `gorm:"column:profile;primaryKey;size:190;not null"`
	DocumentJSON     string `gorm:"column:document_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRow) TableName() string {
	return "local_documents"
}

// SettingsRow persists the presentation settings of one local profile.
type SettingsRow struct {
	Profile          string `gorm:"column:profile;primaryKey;size:190;not null"`
	SettingsJSON     string `gorm:"column:settings_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SettingsRow) TableName() string {
	return "local_settings"
}

// BackupRow is the single named safety-net slot of a profile. Each conflict
// resolution overwrites it.
type BackupRow struct {
	Profile          string `gorm:"column:profile;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;primaryKey;size:64;not null"`
	DataJSON         string `gorm:"column:data_json;type:text;not null"`
	Reason           string `gorm:"column:reason;size:64;not null"`
	DiscardedSource  string `gorm:"column:discarded_source;size:16;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BackupRow) TableName() string {
	return "local_backups"
}

// Models lists the tables the local store needs migrated.
func Models() []any {
	return []any{&DocumentRow{}, &SettingsRow{}, &BackupRow{}}
}
