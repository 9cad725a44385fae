// Package harvest defines core types shared across the harvester subsystems.
package harvest

import (
	"fmt"
	"net/http"
	"time"
)

// MetadataPrefixDC is the only metadata format the harvester understands.
const MetadataPrefixDC = "oai_dc"

// InstitutionDocumentIDPrefix prefixes the index id of an institution's own document.
const InstitutionDocumentIDPrefix = "prl-harvester-institution-"

// Institution is a participating member that owns harvest jobs.
type Institution struct {
	ID          *int    `json:"id,omitempty"`
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description" validate:"required"`
	Location    string  `json:"location" validate:"required"`
	Email       *string `json:"email,omitempty" validate:"omitempty,email"`
	Phone       *string `json:"phone,omitempty" validate:"omitempty,phone"`
	WebContact  *string `json:"webContact,omitempty" validate:"omitempty,url"`
	Website     string  `json:"website" validate:"required,url"`
}

// WithID returns a copy of the institution carrying id.
func (i Institution) WithID(id int) Institution {
	i.ID = &id
	return i
}

// IndexDocument renders the institution's own search document.
// The institution must have an ID.
func (i Institution) IndexDocument() IndexDocument {
	doc := IndexDocument{
		"prrla_member_title":       i.Name,
		"prrla_member_description": i.Description,
		"prrla_member_location":    i.Location,
		"prrla_member_website":     i.Website,
	}
	if i.ID != nil {
		doc["id"] = InstitutionDocumentID(*i.ID)
	}
	if i.Email != nil {
		doc["prrla_member_email"] = *i.Email
	}
	if i.Phone != nil {
		doc["prrla_member_phone"] = *i.Phone
	}
	if i.WebContact != nil {
		doc["prrla_member_web_contact"] = *i.WebContact
	}
	return doc
}

// InstitutionDocumentID returns the index id used for an institution document.
func InstitutionDocumentID(id int) string {
	return fmt.Sprintf("%s%d", InstitutionDocumentIDPrefix, id)
}

// Job describes one recurring harvest of a repository.
type Job struct {
	ID                     *int       `json:"id,omitempty"`
	InstitutionID          int        `json:"institutionID" validate:"required,gte=1"`
	RepositoryBaseURL      string     `json:"repositoryBaseURL" validate:"required,url"`
	MetadataPrefix         string     `json:"metadataPrefix" validate:"required,eq=oai_dc"`
	Sets                   []string   `json:"sets,omitempty" validate:"omitempty,dive,required"`
	ScheduleCronExpression string     `json:"scheduleCronExpression" validate:"required"`
	LastSuccessfulRun      *time.Time `json:"lastSuccessfulRun,omitempty"`
}

// WithID returns a copy of the job carrying id.
func (j Job) WithID(id int) Job {
	j.ID = &id
	return j
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	cp := j
	if j.ID != nil {
		id := *j.ID
		cp.ID = &id
	}
	if j.LastSuccessfulRun != nil {
		ts := *j.LastSuccessfulRun
		cp.LastSuccessfulRun = &ts
	}
	if j.Sets != nil {
		cp.Sets = append([]string(nil), j.Sets...)
	}
	return cp
}

// JobResult summarizes one successful run. It is published, never persisted.
type JobResult struct {
	JobID              int       `json:"jobID"`
	StartTime          time.Time `json:"startTime"`
	RecordCount        int       `json:"recordCount"`
	DeletedRecordCount int       `json:"deletedRecordCount"`
}

// Set is a named subset of a repository's records.
type Set struct {
	Spec string `json:"spec"`
	Name string `json:"name"`
}

// SetSpecs extracts the specs from sets, preserving order.
func SetSpecs(sets []Set) []string {
	specs := make([]string, 0, len(sets))
	for _, s := range sets {
		specs = append(specs, s.Spec)
	}
	return specs
}

// SetNames builds the spec→name lookup for sets.
func SetNames(sets []Set) map[string]string {
	names := make(map[string]string, len(sets))
	for _, s := range sets {
		names[s.Spec] = s.Name
	}
	return names
}

// Field is one metadata element value.
type Field struct {
	Name  string
	Value string
}

// RawRecord is a fetched metadata record before transformation.
type RawRecord struct {
	Identifier string
	Datestamp  string
	SetSpecs   []string
	Deleted    bool
	// Fields holds element values in document order.
	Fields []Field
}

// Values returns every value recorded under name, in document order.
func (r RawRecord) Values(name string) []string {
	var out []string
	for _, f := range r.Fields {
		if f.Name == name {
			out = append(out, f.Value)
		}
	}
	return out
}

// Document is a transformed record ready for indexing.
type Document struct {
	ID              string
	InstitutionName string
	CollectionNames []string
	SetSpecs        []string
	ThumbnailURL    *string
	ExternalLink    *string
	AlternateLinks  []string
	Keywords        map[string][]string
	Decades         []int
	SortDecade      *int
	FirstTitle      *string
}

// IndexDocument renders the document into search index fields.
func (d Document) IndexDocument() IndexDocument {
	doc := IndexDocument{
		"id":              d.ID,
		"institutionName": d.InstitutionName,
		"collectionName":  append([]string(nil), d.CollectionNames...),
		"set_spec":        append([]string(nil), d.SetSpecs...),
	}
	if d.ThumbnailURL != nil {
		doc["thumbnail_url"] = *d.ThumbnailURL
	}
	if d.ExternalLink != nil {
		doc["external_link"] = *d.ExternalLink
	}
	if len(d.AlternateLinks) > 0 {
		doc["alternate_external_link"] = append([]string(nil), d.AlternateLinks...)
	}
	for name, values := range d.Keywords {
		doc[name+"_keyword"] = append([]string(nil), values...)
	}
	if len(d.Decades) > 0 {
		doc["decade"] = append([]int(nil), d.Decades...)
	}
	if d.SortDecade != nil {
		doc["sort_decade"] = *d.SortDecade
	}
	if d.FirstTitle != nil {
		doc["first_title"] = *d.FirstTitle
	}
	return doc
}

// IndexDocument is a flat field map understood by the search index.
type IndexDocument map[string]any

// ID returns the document's unique key, or "" when unset.
func (d IndexDocument) ID() string {
	id, _ := d["id"].(string)
	return id
}

// Term matches documents whose field carries value.
type Term struct {
	Field string
	Value string
}

// Query selects index documents. Every Must term has to hold and, when Should is
// non-empty, at least one Should term has to hold.
type Query struct {
	Must   []Term
	Should []Term
}

// IsEmpty reports whether the query has no terms at all.
func (q Query) IsEmpty() bool {
	return len(q.Must) == 0 && len(q.Should) == 0
}

// Fire is a queued request to run one job.
type Fire struct {
	JobID      int
	Generation uint64
	FiredAt    time.Time
	Manual     bool
}

// TriggerInfo describes a live trigger.
type TriggerInfo struct {
	JobID      int       `json:"jobID"`
	Expression string    `json:"scheduleCronExpression"`
	Next       time.Time `json:"nextFireTime"`
}

// FetchRequest captures everything needed to issue one HTTP request.
type FetchRequest struct {
	Method  string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
