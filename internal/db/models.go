package db

import (
	"encoding/json"
	"time"
)

// Announcement maps announce.announcements. Keyed rows carry a canonical key
// and its identity hash; unidentifiable rows carry neither, plus a reason.
type Announcement struct {
	AnnouncementID   int64           `gorm:"column:announcement_id;primaryKey;autoIncrement"`
	AnnouncementUUID string          `gorm:"column:announcement_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	CanonicalKey     *string         `gorm:"column:canonical_key;type:text"`
	IdentityHash     []byte          `gorm:"column:identity_hash;type:bytea;uniqueIndex:ux_announcements_identity_hash"`
	DedupStatus      string          `gorm:"column:dedup_status;type:announce.dedup_status;not null"`
	UnkeyedReason    *string         `gorm:"column:unkeyed_reason;type:text"`
	SourceDomain     *string         `gorm:"column:source_domain;type:text"`
	SourceKind       string          `gorm:"column:source_kind;type:text;not null"`
	SourceID         string          `gorm:"column:source_id;type:text;not null"`
	RawURL           string          `gorm:"column:raw_url;type:text;not null"`
	Title            string          `gorm:"column:title;type:text;not null;default:''"`
	PublishedAt      *time.Time      `gorm:"column:published_at;type:timestamptz"`
	Payload          json.RawMessage `gorm:"column:payload;type:jsonb;not null;default:'{}'"`
	Revision         int64           `gorm:"column:revision;type:bigint;not null;default:1"`
	CreatedAt        time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Announcement) TableName() string { return "announce.announcements" }

// ResolutionLog maps announce.resolution_log. Rows are never updated or
// deleted.
type ResolutionLog struct {
	ResolutionID       int64     `gorm:"column:resolution_id;primaryKey;autoIncrement"`
	ResolutionUUID     string    `gorm:"column:resolution_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	BatchUUID          *string   `gorm:"column:batch_uuid;type:uuid;index:ix_resolution_log_batch_uuid"`
	SourceKind         string    `gorm:"column:source_kind;type:text;not null"`
	SourceID           string    `gorm:"column:source_id;type:text;not null"`
	RawURL             string    `gorm:"column:raw_url;type:text;not null"`
	CanonicalKey       *string   `gorm:"column:canonical_key;type:text"`
	IdentityHash       []byte    `gorm:"column:identity_hash;type:bytea;index:ix_resolution_log_identity_hash"`
	UnkeyedReason      *string   `gorm:"column:unkeyed_reason;type:text"`
	Outcome            string    `gorm:"column:outcome;type:announce.resolution_outcome;not null"`
	AnnouncementID     *int64    `gorm:"column:announcement_id;type:bigint;index:ix_resolution_log_announcement_id"`
	PreviousSourceKind *string   `gorm:"column:previous_source_kind;type:text"`
	PreviousSourceID   *string   `gorm:"column:previous_source_id;type:text"`
	ErrorMessage       *string   `gorm:"column:error_message;type:text"`
	Attempts           int       `gorm:"column:attempts;type:integer;not null;default:1"`
	CreatedAt          time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ResolutionLog) TableName() string { return "announce.resolution_log" }

// DomainRule maps announce.domain_rules. A partial unique index keeps at
// most one active rule per domain.
type DomainRule struct {
	RuleID           int64           `gorm:"column:rule_id;primaryKey;autoIncrement"`
	RuleUUID         string          `gorm:"column:rule_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Domain           string          `gorm:"column:domain;type:text;not null;index:ix_domain_rules_domain"`
	ExtractionMethod string          `gorm:"column:extraction_method;type:announce.extraction_method;not null"`
	Params           json.RawMessage `gorm:"column:params;type:jsonb;not null;default:'[]'"`
	PathPattern      *string         `gorm:"column:path_pattern;type:text"`
	Active           bool            `gorm:"column:active;type:boolean;not null;default:true"`
	CreatedAt        time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (DomainRule) TableName() string { return "announce.domain_rules" }

// SourcePriority maps announce.source_priorities. source_id '*' ranks every
// source of a kind without its own row.
type SourcePriority struct {
	SourceKind string    `gorm:"column:source_kind;type:text;primaryKey"`
	SourceID   string    `gorm:"column:source_id;type:text;primaryKey;default:'*'"`
	Rank       int       `gorm:"column:rank;type:integer;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (SourcePriority) TableName() string { return "announce.source_priorities" }

func autoMigrateModels() []any {
	return []any{
		&Announcement{},
		&ResolutionLog{},
		&DomainRule{},
		&SourcePriority{},
	}
}
