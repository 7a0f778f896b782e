// Package record defines the image lifecycle manager's record model: the
// ImageRecord stored per (platform, imageType, tag), its status vocabulary,
// and the ACL comparison rules the Manager enforces on read.
package record

import "time"

// Status is the lifecycle state of a Record.
type Status string

const (
	StatusInit     Status = "INIT"
	StatusEnqueued Status = "ENQUEUED"
	StatusPulling  Status = "PULLING"
	StatusTransfer Status = "TRANSFER"
	StatusReady    Status = "READY"
	StatusFailure  Status = "FAILURE"
	StatusExpired  Status = "EXPIRED"

	// statusSuccessLegacy is a legacy alias for StatusReady, still written by
	// older worker responses. NormalizeStatus folds it into StatusReady on
	// read so the in-flight scan in findByPulltag treats it the same way.
	statusSuccessLegacy Status = "SUCCESS"
)

// NormalizeStatus folds legacy status spellings into their canonical form.
func NormalizeStatus(s Status) Status {
	if s == statusSuccessLegacy {
		return StatusReady
	}
	return s
}

// TagSet is the set of tags sharing a record. It is always emitted as a set
// even though legacy rows may have stored a single scalar tag.
type TagSet map[string]struct{}

// NewTagSet builds a TagSet from zero or more tags, promoting a legacy
// scalar value the same way addTag promotes one on first write.
func NewTagSet(tags ...string) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		if t != "" {
			s[t] = struct{}{}
		}
	}
	return s
}

// Has reports whether tag is a member of the set.
func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Add inserts tag into the set.
func (s TagSet) Add(tag string) {
	s[tag] = struct{}{}
}

// Remove deletes tag from the set.
func (s TagSet) Remove(tag string) {
	delete(s, tag)
}

// Slice returns the tags in the set. Order is unspecified.
func (s TagSet) Slice() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	return out
}

// Record is the Go-native ImageRecord: unique by ID, also looked up by
// (Platform, ImageType, Pulltag) for in-flight matching and by
// (Platform, ImageType, tag) for tag lookup.
type Record struct {
	ID         string
	Platform   string
	ImageType  string
	RemoteType string
	Pulltag    string
	Tag        TagSet

	ContentID string
	Format    string
	Arch      string
	OS        string

	Status        Status
	StatusMessage string

	LastPull      *time.Time
	LastHeartbeat *time.Time
	Expiration    *time.Time

	UserACL  []int32
	GroupACL []int32
	Private  *bool

	Env        string
	Entrypoint string
	Workdir    string
}

// SameACL reports whether a and b contain the same set of ids, ignoring
// order and duplicates: [1,2,3] and [2,1,3] compare equal.
func SameACL(a, b []int32) bool {
	as := toSet(a)
	bs := toSet(b)
	if len(as) != len(bs) {
		return false
	}
	for id := range as {
		if _, ok := bs[id]; !ok {
			return false
		}
	}
	return true
}

func toSet(ids []int32) map[int32]struct{} {
	s := make(map[int32]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// EnsureMember returns acl with id inserted if acl is non-empty and does not
// already contain it. An empty ACL is left empty — normalisation only
// applies to non-empty (private) ACLs.
func EnsureMember(acl []int32, id int32) []int32 {
	if len(acl) == 0 {
		return acl
	}
	for _, existing := range acl {
		if existing == id {
			return acl
		}
	}
	return append(append([]int32{}, acl...), id)
}

// CheckRead implements the read-ACL check. uid/gid identify the
// requesting principal; rec is the candidate record.
func CheckRead(uid, gid int32, rec *Record) bool {
	if rec.Private != nil && !*rec.Private {
		return true
	}
	if len(rec.UserACL) == 0 && len(rec.GroupACL) == 0 {
		return true
	}
	for _, u := range rec.UserACL {
		if u == uid {
			return true
		}
	}
	for _, g := range rec.GroupACL {
		if g == gid {
			return true
		}
	}
	return false
}

// MetricsEntry is one append-only row of the metrics log, written on lookup.
type MetricsEntry struct {
	Principal string
	UID       int32
	Platform  string
	ImageType string
	Tag       string
	RecordID  string
	Time      time.Time
}
