// Package packages implements the package and version lifecycle with the
// two-stage soft delete: archiving pauses publication and is reversible,
// deletion is terminal.
package packages

import "time"

// Package is an organization-owned artifact namespace.
type Package struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organizationId"`
	Name           string     `json:"name"`
	CreatedAt      time.Time  `json:"createdAt"`
	ArchivedAt     *time.Time `json:"archivedAt,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// Active reports whether the package is neither archived nor deleted.
func (p *Package) Active() bool {
	return p.ArchivedAt == nil && p.DeletedAt == nil
}

// Deleted reports whether the package reached the terminal state.
func (p *Package) Deleted() bool {
	return p.DeletedAt != nil
}

// Version is one published artifact of a package.
type Version struct {
	ID          int64      `json:"id"`
	PackageID   int64      `json:"packageId"`
	Version     string     `json:"version"`
	ArtifactKey string     `json:"artifactKey"`
	Checksum    string     `json:"checksum"`
	SizeBytes   int64      `json:"sizeBytes"`
	CreatedAt   time.Time  `json:"createdAt"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// Active reports whether the version is neither archived nor deleted.
func (v *Version) Active() bool {
	return v.ArchivedAt == nil && v.DeletedAt == nil
}

// Deleted reports whether the version reached the terminal state.
func (v *Version) Deleted() bool {
	return v.DeletedAt != nil
}

// Delta is a partial package update. Nil fields leave the current value
// unchanged.
type Delta struct {
	Name     *string `json:"name,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
	Deleted  *bool   `json:"deleted,omitempty"`
}

// Empty reports whether the delta changes nothing regardless of state.
func (d Delta) Empty() bool {
	return d.Name == nil && d.Archived == nil && d.Deleted == nil
}

// VersionDelta is a partial version update.
type VersionDelta struct {
	Archived *bool `json:"archived,omitempty"`
	Deleted  *bool `json:"deleted,omitempty"`
}

// Empty reports whether the delta changes nothing regardless of state.
func (d VersionDelta) Empty() bool {
	return d.Archived == nil && d.Deleted == nil
}
