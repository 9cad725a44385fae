// Package oaipmh is a small OAI-PMH 2.0 harvesting client.
package oaipmh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/xmlquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

// OAI-PMH error codes that mean "nothing here" rather than failure.
const (
	codeNoRecordsMatch = "noRecordsMatch"
	codeNoSetHierarchy = "noSetHierarchy"
)

// GranularitySeconds is the finer of the two datestamp granularities.
const GranularitySeconds = "YYYY-MM-DDThh:mm:ssZ"

var errEmpty = errors.New("empty result")

// Config controls harvesting behavior.
type Config struct {
	// SetConcurrency bounds how many sets are listed at once.
	SetConcurrency int
	// ArchivePages stores every response page in the blob store.
	ArchivePages  bool
	ArchivePrefix string
	// MaxPages fails a request whose resumption chain runs past this many
	// pages; zero means no limit.
	MaxPages int
}

// Deps are the collaborators the client needs. Limiter, Archive and Hasher are optional.
type Deps struct {
	Fetcher harvest.Fetcher
	Limiter harvest.Limiter
	Archive harvest.BlobStore
	Hasher  harvest.Hasher
	Logger  *zap.Logger
}

// Identity is the subset of an Identify response the client uses.
type Identity struct {
	RepositoryName    string
	Granularity       string
	EarliestDatestamp string
}

// Client implements harvest.MetadataSource over a harvest.Fetcher.
type Client struct {
	cfg     Config
	fetcher harvest.Fetcher
	limiter harvest.Limiter
	archive harvest.BlobStore
	hasher  harvest.Hasher
	logger  *zap.Logger

	mu         sync.Mutex
	identities map[string]Identity
}

// New builds a Client.
func New(cfg Config, deps Deps) *Client {
	if cfg.SetConcurrency <= 0 {
		cfg.SetConcurrency = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		fetcher:    deps.Fetcher,
		limiter:    deps.Limiter,
		archive:    deps.Archive,
		hasher:     deps.Hasher,
		logger:     logger.Named("oaipmh"),
		identities: make(map[string]Identity),
	}
}

// Identify describes the repository. Results are cached per base URL.
func (c *Client) Identify(ctx context.Context, baseURL string) (Identity, error) {
	c.mu.Lock()
	id, ok := c.identities[baseURL]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	err := c.each(ctx, baseURL, "Identify", nil, func(doc *xmlquery.Node) error {
		node := xmlquery.FindOne(doc, "//*[local-name()='Identify']")
		if node == nil {
			return errors.New("missing Identify element")
		}
		id = Identity{
			RepositoryName:    childText(node, "repositoryName"),
			Granularity:       childText(node, "granularity"),
			EarliestDatestamp: childText(node, "earliestDatestamp"),
		}
		return nil
	})
	if err != nil {
		return Identity{}, err
	}
	c.mu.Lock()
	c.identities[baseURL] = id
	c.mu.Unlock()
	return id, nil
}

// ListSets returns every set the repository advertises. Repositories without set
// support yield no sets.
func (c *Client) ListSets(ctx context.Context, baseURL string) ([]harvest.Set, error) {
	var sets []harvest.Set
	err := c.each(ctx, baseURL, "ListSets", nil, func(doc *xmlquery.Node) error {
		for _, node := range xmlquery.Find(doc, "//*[local-name()='ListSets']/*[local-name()='set']") {
			sets = append(sets, harvest.Set{
				Spec: childText(node, "setSpec"),
				Name: childText(node, "setName"),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sets, nil
}

// ListMetadataFormats returns the metadata prefixes the repository supports.
func (c *Client) ListMetadataFormats(ctx context.Context, baseURL string) ([]string, error) {
	var prefixes []string
	err := c.each(ctx, baseURL, "ListMetadataFormats", nil, func(doc *xmlquery.Node) error {
		for _, node := range xmlquery.Find(doc, "//*[local-name()='metadataFormat']/*[local-name()='metadataPrefix']") {
			if p := strings.TrimSpace(node.InnerText()); p != "" {
				prefixes = append(prefixes, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prefixes, nil
}

// ListRecords harvests records in prefix, optionally restricted to sets and to
// records changed since the given time. Sets are harvested concurrently and the
// results concatenated in set order; a record in several sets appears once per set.
func (c *Client) ListRecords(
	ctx context.Context,
	baseURL string,
	sets []string,
	prefix string,
	since *time.Time,
) ([]harvest.RawRecord, error) {
	args := url.Values{"metadataPrefix": {prefix}}
	if since != nil {
		args.Set("from", c.formatFrom(ctx, baseURL, *since))
	}
	if len(sets) == 0 {
		return c.listRecords(ctx, baseURL, args)
	}

	perSet := make([][]harvest.RawRecord, len(sets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.SetConcurrency)
	for i, set := range sets {
		setArgs := url.Values{}
		for k, v := range args {
			setArgs[k] = v
		}
		setArgs.Set("set", set)
		g.Go(func() error {
			records, err := c.listRecords(gctx, baseURL, setArgs)
			if err != nil {
				return err
			}
			perSet[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []harvest.RawRecord
	for _, records := range perSet {
		out = append(out, records...)
	}
	return out, nil
}

func (c *Client) listRecords(ctx context.Context, baseURL string, args url.Values) ([]harvest.RawRecord, error) {
	var records []harvest.RawRecord
	err := c.each(ctx, baseURL, "ListRecords", args, func(doc *xmlquery.Node) error {
		for _, node := range xmlquery.Find(doc, "//*[local-name()='ListRecords']/*[local-name()='record']") {
			records = append(records, parseRecord(node))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Fall back to day granularity, which at worst re-harvests part of a day.
func (c *Client) formatFrom(ctx context.Context, baseURL string, since time.Time) string {
	id, err := c.Identify(ctx, baseURL)
	if err != nil {
		c.logger.Warn("identify failed, using day granularity", zap.String("base_url", baseURL), zap.Error(err))
	}
	if id.Granularity == GranularitySeconds {
		return since.UTC().Format("2006-01-02T15:04:05Z")
	}
	return since.UTC().Format(time.DateOnly)
}

func parseRecord(node *xmlquery.Node) harvest.RawRecord {
	var rec harvest.RawRecord
	if header := xmlquery.FindOne(node, "./*[local-name()='header']"); header != nil {
		rec.Identifier = childText(header, "identifier")
		rec.Datestamp = childText(header, "datestamp")
		rec.Deleted = header.SelectAttr("status") == "deleted"
		for _, spec := range xmlquery.Find(header, "./*[local-name()='setSpec']") {
			if s := strings.TrimSpace(spec.InnerText()); s != "" {
				rec.SetSpecs = append(rec.SetSpecs, s)
			}
		}
	}
	container := xmlquery.FindOne(node, "./*[local-name()='metadata']/*[1]")
	if container == nil {
		return rec
	}
	for child := container.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != xmlquery.ElementNode {
			continue
		}
		value := strings.TrimSpace(child.InnerText())
		if value == "" {
			continue
		}
		rec.Fields = append(rec.Fields, harvest.Field{Name: child.Data, Value: value})
	}
	return rec
}

func childText(node *xmlquery.Node, name string) string {
	child := xmlquery.FindOne(node, "./*[local-name()='"+name+"']")
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.InnerText())
}

// each issues verb and follows resumption tokens, handing every page to fn.
func (c *Client) each(
	ctx context.Context,
	baseURL, verb string,
	args url.Values,
	fn func(doc *xmlquery.Node) error,
) error {
	op := "oai-pmh " + verb
	token := ""
	for page := 1; ; page++ {
		reqURL, err := buildURL(baseURL, verb, args, token)
		if err != nil {
			return harvest.E(harvest.KindValidation, op, err)
		}
		doc, err := c.fetchPage(ctx, verb, reqURL)
		if err != nil {
			return harvest.E(harvest.KindFetch, op, err)
		}
		if err := checkError(doc); err != nil {
			if errors.Is(err, errEmpty) {
				return nil
			}
			return harvest.E(harvest.KindFetch, op, err)
		}
		if err := fn(doc); err != nil {
			return harvest.E(harvest.KindFetch, op, err)
		}
		token = ""
		if node := xmlquery.FindOne(doc, "//*[local-name()='resumptionToken']"); node != nil {
			token = strings.TrimSpace(node.InnerText())
		}
		if token == "" {
			return nil
		}
		if c.cfg.MaxPages > 0 && page >= c.cfg.MaxPages {
			c.logger.Warn("resumption chain exceeds page limit", zap.String("verb", verb), zap.Int("pages", page))
			return harvest.Errorf(harvest.KindFetch, op, "resumption chain exceeds %d pages", c.cfg.MaxPages)
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, verb, reqURL string) (*xmlquery.Node, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, reqURL); err != nil {
			return nil, err
		}
	}
	headers := http.Header{"Accept": {"text/xml, application/xml"}}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
	resp, err := c.fetcher.Fetch(ctx, harvest.FetchRequest{
		Method:  http.MethodGet,
		URL:     reqURL,
		Headers: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", reqURL, err)
	}
	c.archivePage(ctx, verb, reqURL, resp.Body)
	doc, err := xmlquery.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", reqURL, err)
	}
	return doc, nil
}

func (c *Client) archivePage(ctx context.Context, verb, reqURL string, body []byte) {
	if !c.cfg.ArchivePages || c.archive == nil || c.hasher == nil {
		return
	}
	digest, err := c.hasher.Hash(body)
	if err != nil {
		c.logger.Warn("hash page failed", zap.String("url", reqURL), zap.Error(err))
		return
	}
	host := "unknown"
	if u, err := url.Parse(reqURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	key := path.Join(c.cfg.ArchivePrefix, host, verb, digest+".xml")
	if _, err := c.archive.PutObject(ctx, key, "text/xml", bytes.NewReader(body)); err != nil {
		c.logger.Warn("archive page failed", zap.String("key", key), zap.Error(err))
	}
}

func checkError(doc *xmlquery.Node) error {
	node := xmlquery.FindOne(doc, "/*[local-name()='OAI-PMH']/*[local-name()='error']")
	if node == nil {
		if xmlquery.FindOne(doc, "/*[local-name()='OAI-PMH']") == nil {
			return errors.New("response is not an OAI-PMH document")
		}
		return nil
	}
	code := node.SelectAttr("code")
	if code == codeNoRecordsMatch || code == codeNoSetHierarchy {
		return errEmpty
	}
	return fmt.Errorf("repository error %s: %s", code, strings.TrimSpace(node.InnerText()))
}

func buildURL(baseURL, verb string, args url.Values, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("base url %q is not absolute", baseURL)
	}
	q := u.Query()
	q.Set("verb", verb)
	if token != "" {
		q.Set("resumptionToken", token)
	} else {
		for k, v := range args {
			q[k] = v
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
