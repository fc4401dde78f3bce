// Package catalog is a client for a TMDB-style movie catalog. It is an
// explicitly constructed service shared by the server and the prefetcher.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marquee/pkg/models"
	"marquee/pkg/utils/logger"

	"github.com/valyala/fasthttp"
)

const (
	DefaultBaseURL       = "https://api.themoviedb.org/3"
	DefaultImageBaseURL  = "https://image.tmdb.org/t/p"
	DefaultLanguage      = "en"
	DefaultPosterSize    = "w500"
	DefaultThumbnailSize = "w92"

	ListNowPlaying = "now_playing"
	ListUpcoming   = "upcoming"
	ListPopular    = "popular"

	requestTimeout = 15 * time.Second
)

var (
	ErrNotFound    = errors.New("catalog: not found")
	ErrUnknownList = errors.New("catalog: unknown list")
	ErrStatus      = errors.New("catalog: unexpected status")
)

type Movie struct {
	ID            int     `json:"id"`
	Title         string  `json:"title"`
	OriginalTitle string  `json:"original_title"`
	Overview      string  `json:"overview"`
	PosterPath    string  `json:"poster_path"`
	BackdropPath  string  `json:"backdrop_path"`
	ReleaseDate   string  `json:"release_date"`
	VoteAverage   float64 `json:"vote_average"`
	VoteCount     int     `json:"vote_count"`
	Popularity    float64 `json:"popularity"`
	Runtime       int     `json:"runtime,omitempty"`
	IMDBID        string  `json:"imdb_id,omitempty"`
}

type Page struct {
	Page         int     `json:"page"`
	Results      []Movie `json:"results"`
	TotalPages   int     `json:"total_pages"`
	TotalResults int     `json:"total_results"`
}

type Client struct {
	baseURL       string
	imageBaseURL  string
	apiKey        string
	language      string
	posterSize    string
	thumbnailSize string

	client *fasthttp.Client
	logger *logger.Logger
}

func NewClient(cfg *models.CatalogConfig, log *logger.Logger) *Client {
	if cfg == nil {
		cfg = &models.CatalogConfig{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	c := &Client{
		baseURL:       strings.TrimRight(orDefault(cfg.BaseURL, DefaultBaseURL), "/"),
		imageBaseURL:  strings.TrimRight(orDefault(cfg.ImageBaseURL, DefaultImageBaseURL), "/"),
		apiKey:        cfg.APIKey,
		language:      orDefault(cfg.Language, DefaultLanguage),
		posterSize:    orDefault(cfg.PosterSize, DefaultPosterSize),
		thumbnailSize: orDefault(cfg.ThumbnailSize, DefaultThumbnailSize),
		client:        &fasthttp.Client{Name: "marquee-catalog"},
		logger:        log,
	}
	return c
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// List fetches one page of a named list: now_playing, upcoming or popular.
func (c *Client) List(ctx context.Context, list string, page int) (*Page, error) {
	switch list {
	case ListNowPlaying, ListUpcoming, ListPopular:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownList, list)
	}
	var p Page
	if err := c.get(ctx, "/movie/"+list, pageQuery(page), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) NowPlaying(ctx context.Context, page int) (*Page, error) {
	return c.List(ctx, ListNowPlaying, page)
}

func (c *Client) Upcoming(ctx context.Context, page int) (*Page, error) {
	return c.List(ctx, ListUpcoming, page)
}

func (c *Client) Popular(ctx context.Context, page int) (*Page, error) {
	return c.List(ctx, ListPopular, page)
}

func (c *Client) MovieInfo(ctx context.Context, id int) (*Movie, error) {
	var m Movie
	if err := c.get(ctx, "/movie/"+strconv.Itoa(id), nil, &m); err != nil {
		return nil, err
	}
	c.logger.Debug(fmt.Sprintf("Movie info %d: %s", id, m.OriginalTitle))
	return &m, nil
}

func (c *Client) Search(ctx context.Context, query string, page int) (*Page, error) {
	q := pageQuery(page)
	q.Set("query", query)
	var p Page
	if err := c.get(ctx, "/search/movie", q, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ImageURL joins an image path with a size, e.g. "w500". Empty paths give "".
func (c *Client) ImageURL(path, size string) string {
	if path == "" {
		return ""
	}
	return c.imageBaseURL + "/" + size + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) PosterURL(m Movie) string {
	return c.ImageURL(m.PosterPath, c.posterSize)
}

func (c *Client) ThumbnailURL(m Movie) string {
	return c.ImageURL(m.PosterPath, c.thumbnailSize)
}

func pageQuery(page int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if q == nil {
		q = url.Values{}
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	q.Set("language", c.language)

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path + "?" + q.Encode())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")

	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("catalog %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case code < 200 || code >= 300:
		return fmt.Errorf("%w: %d for %s", ErrStatus, code, path)
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("catalog %s: decode: %w", path, err)
	}
	return nil
}
