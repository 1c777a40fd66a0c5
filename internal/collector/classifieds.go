package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/karlseguin/ccache/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"rentintel/server/config"
	"rentintel/server/internal/models"
)

const maxPageBytes = 5 << 20

// Selectors are the class names that locate fields on a search result page.
type Selectors struct {
	Row   string
	Title string
	Price string
	Hood  string
}

// DefaultSelectors match the static classifieds search markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Row:   "cl-static-search-result",
		Title: "title",
		Price: "price",
		Hood:  "location",
	}
}

// ClassifiedsConfig configures a ClassifiedsCollector.
type ClassifiedsConfig struct {
	Source string
	// SearchURL contains a {domain} placeholder replaced by the city domain.
	SearchURL         string
	UserAgent         string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	BaseDelay         time.Duration
	// Each pause between pages is BaseDelay plus a random jitter in
	// [JitterMin, Jitter].
	JitterMin         time.Duration
	Jitter            time.Duration
	MaxPerCity        int
	// DedupeTTL bounds how long a fetched page is reused by later cities of
	// the same run. Zero fetches every city.
	DedupeTTL         time.Duration
	Selectors         Selectors
	PropertyType      string
}

// ClassifiedsCollector scrapes a classifieds search page per city.
type ClassifiedsCollector struct {
	cfg     ClassifiedsConfig
	client  *http.Client
	limiter *rate.Limiter
	pacer   *Pacer
	pages   *ccache.Cache[*html.Node]
	flight  singleflight.Group
	logger  *logrus.Logger
}

func NewClassifiedsCollector(cfg ClassifiedsConfig, logger *logrus.Logger) *ClassifiedsCollector {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if cfg.Source == "" {
		cfg.Source = "craigslist"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxPerCity <= 0 {
		cfg.MaxPerCity = 50
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	if cfg.PropertyType == "" {
		cfg.PropertyType = "apartment"
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &ClassifiedsCollector{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(limit, 1),
		pacer:   NewPacer(cfg.BaseDelay, cfg.JitterMin, cfg.Jitter),
		pages:   ccache.New(ccache.Configure[*html.Node]().MaxSize(64)),
		logger:  logger,
	}
}

func (c *ClassifiedsCollector) Source() string {
	return c.cfg.Source
}

// Close stops the page cache's background worker.
func (c *ClassifiedsCollector) Close() {
	c.pages.Stop()
}

// Collect returns the listings on the city's search page. Cities sharing a
// domain resolve to the same page, which is fetched once per collection run
// and parsed again for every city that uses it.
func (c *ClassifiedsCollector) Collect(ctx context.Context, region config.Region, city config.City) ([]models.RawListing, error) {
	searchURL := strings.ReplaceAll(c.cfg.SearchURL, "{domain}", city.DomainFor())
	logger := c.logger.WithFields(logrus.Fields{
		"source": c.cfg.Source,
		"region": region.Code,
		"city":   city.Name,
		"url":    searchURL,
	})

	base, err := url.Parse(searchURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search url %q: %w", searchURL, err)
	}

	runID, scoped := RunFromContext(ctx)
	scoped = scoped && c.cfg.DedupeTTL > 0
	key := runID + "|" + searchURL

	var doc *html.Node
	if scoped {
		if item := c.pages.Get(key); item != nil && !item.Expired() {
			doc = item.Value()
			logger.WithField("run_id", runID).Debug("Reusing search page fetched earlier in this run")
		}
	}

	if doc == nil {
		if scoped {
			v, fetchErr, _ := c.flight.Do(key, func() (interface{}, error) {
				page, err := c.fetchPage(ctx, searchURL, logger)
				if err == nil {
					c.pages.Set(key, page, c.cfg.DedupeTTL)
				}
				return page, err
			})
			err = fetchErr
			if err == nil {
				doc = v.(*html.Node)
			}
		} else {
			doc, err = c.fetchPage(ctx, searchURL, logger)
		}
		if err != nil {
			logger.WithError(err).Warn("Failed to collect city")
			return nil, err
		}
	}

	listings := c.parsePage(doc, base, region, city)
	logger.WithField("count", len(listings)).Info("Collected listings")
	return listings, nil
}

// fetchPage downloads and parses one search page, then pauses for the pacer
// whether or not the fetch succeeded.
func (c *ClassifiedsCollector) fetchPage(ctx context.Context, searchURL string, logger *logrus.Entry) (*html.Node, error) {
	doc, err := c.fetch(ctx, searchURL)
	if waitErr := c.pacer.Wait(ctx); waitErr != nil {
		logger.WithError(waitErr).Debug("Rate limit pause cut short")
	}
	return doc, err
}

func (c *ClassifiedsCollector) fetch(ctx context.Context, searchURL string) (*html.Node, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %w", ErrTransient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("search page returned %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return nil, err
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read search page: %w", ErrTransient, err)
	}
	return doc, nil
}

// parsePage only reads doc, so one cached page may be parsed by several
// region tasks at once.
func (c *ClassifiedsCollector) parsePage(doc *html.Node, base *url.URL, region config.Region, city config.City) []models.RawListing {
	now := time.Now().UTC()
	listings := []models.RawListing{}
	for _, row := range findByClass(doc, c.cfg.Selectors.Row) {
		if len(listings) >= c.cfg.MaxPerCity {
			break
		}
		listing, ok := c.parseRow(row, base, region, city, now)
		if !ok {
			continue
		}
		listings = append(listings, listing)
	}
	return listings
}

func (c *ClassifiedsCollector) parseRow(row *html.Node, base *url.URL, region config.Region, city config.City, now time.Time) (models.RawListing, bool) {
	sel := c.cfg.Selectors

	var href string
	if link := findFirst(row, func(n *html.Node) bool { return n.Data == "a" && attr(n, "href") != "" }); link != nil {
		href = attr(link, "href")
	}
	title := ""
	if n := firstByClass(row, sel.Title); n != nil {
		title = textContent(n)
	}
	if title == "" {
		title = attr(row, "title")
	}
	if title == "" && href == "" {
		return models.RawListing{}, false
	}

	listingURL := href
	if ref, err := url.Parse(href); err == nil && href != "" {
		listingURL = base.ResolveReference(ref).String()
	}

	priceText := ""
	if n := firstByClass(row, sel.Price); n != nil {
		priceText = textContent(n)
	}
	hood := ""
	if n := firstByClass(row, sel.Hood); n != nil {
		hood = strings.Trim(textContent(n), "() ")
	}

	propertyType := c.cfg.PropertyType
	listing := models.RawListing{
		Source:       c.cfg.Source,
		Street:       truncate(title, 100),
		City:         city.Name,
		Region:       region.Code,
		PropertyType: &propertyType,
		URL:          listingURL,
		FirstSeen:    now,
	}
	if hoodCity := parseHoodCity(hood); hoodCity != "" {
		listing.City = hoodCity
	}

	listing.Rent = ExtractPrice(priceText)
	if listing.Rent == nil {
		listing.Rent = ExtractPrice(title)
	}
	if listing.Rent == nil {
		listing.Missing = append(listing.Missing, "rent")
	}
	if listing.Bedrooms = ExtractBedrooms(title); listing.Bedrooms == nil {
		listing.Missing = append(listing.Missing, "bedrooms")
	}
	if listing.Bathrooms = ExtractBathrooms(title); listing.Bathrooms == nil {
		listing.Missing = append(listing.Missing, "bathrooms")
	}
	if listing.SquareFeet = ExtractSquareFeet(title); listing.SquareFeet == nil {
		listing.Missing = append(listing.Missing, "square_feet")
	}

	listing.PostalCode = ExtractPostalCode(title + " " + hood)
	if listing.PostalCode == "" {
		listing.PostalCode = city.PostalCode
		listing.Missing = append(listing.Missing, "postal_code")
	}

	listing.SourceID = ExtractListingID(listingURL)
	if listing.SourceID == "" {
		key := listingURL
		if key == "" {
			key = region.Code + "|" + city.Name + "|" + title
		}
		listing.SourceID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
		listing.Missing = append(listing.Missing, "source_listing_id")
	}

	return listing, true
}

// parseHoodCity returns the city part of "City, ST" style neighbourhoods.
func parseHoodCity(hood string) string {
	parts := strings.Split(hood, ",")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[0])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode || class == "" {
		return false
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// findByClass returns the outermost elements carrying class, in document order.
func findByClass(root *html.Node, class string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if hasClass(n, class) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func firstByClass(root *html.Node, class string) *html.Node {
	return findFirst(root, func(n *html.Node) bool { return hasClass(n, class) })
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && match(c) {
			return c
		}
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
