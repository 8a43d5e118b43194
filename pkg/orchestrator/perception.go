package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	_ "image/gif"
	_ "image/png"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// ImageDownloader fetches the bytes at a URL, bounded by connect/read
// timeouts (3s connect, 10s read).
type ImageDownloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// HTTPImageDownloader is the default ImageDownloader.
type HTTPImageDownloader struct {
	Client *http.Client
}

// NewHTTPImageDownloader builds a downloader with bounded
// connect/read timeouts.
func NewHTTPImageDownloader() *HTTPImageDownloader {
	return &HTTPImageDownloader{
		Client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
			},
		},
	}
}

func (d *HTTPImageDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ImageClassifier labels raw image bytes as sticker, photo, or icon,
// typically via a small model call.
type ImageClassifier interface {
	Classify(ctx context.Context, data []byte) (VisualType, error)
}

const maxPhotoDimension = 1536

// classificationCache remembers per-URL classification results so a
// re-sent image is never re-downloaded just to label it.
type classificationCache struct {
	mu sync.Mutex
	m  map[string]VisualType
}

func newClassificationCache() *classificationCache {
	return &classificationCache{m: map[string]VisualType{}}
}

func (c *classificationCache) get(url string) (VisualType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[url]
	return v, ok
}

func (c *classificationCache) put(url string, v VisualType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[url] = v
}

// perceptionResult is the Perception subtask's output.
type perceptionResult struct {
	VisualType VisualType
	Artifact   *ImageArtifact
}

// runPerception is the perception subtask. Only the first image
// reference drives the visual type; the pipeline keeps a single
// current image artifact per run.
func (o *Orchestrator) runPerception(ctx context.Context, in Input) perceptionResult {
	if len(in.ImageURLs) == 0 {
		if !o.visionRouter(in) {
			return perceptionResult{VisualType: VisualNone}
		}
		return o.reopenLastPhoto(ctx, in.SessionID)
	}

	ref := in.ImageURLs[0]
	visual, ok := o.classificationCache.get(ref.URL)
	if !ok {
		data, err := o.downloader.Download(ctx, ref.URL)
		if err != nil {
			o.log.Warn().Err(err).Str("url", ref.URL).Msg("orchestrator: image download failed")
			return perceptionResult{VisualType: VisualNone}
		}
		if ref.StickerHint {
			visual = VisualSticker
		} else if o.classifier != nil {
			classified, err := o.classifier.Classify(ctx, data)
			if err != nil {
				o.log.Warn().Err(err).Msg("orchestrator: image classification failed")
				visual = VisualIcon
			} else {
				visual = classified
			}
		} else {
			visual = VisualPhoto
		}
		o.classificationCache.put(ref.URL, visual)

		if visual == VisualPhoto {
			artifact, err := compressPhoto(data)
			if err != nil {
				o.log.Warn().Err(err).Msg("orchestrator: photo compression failed")
				return perceptionResult{VisualType: VisualIcon}
			}
			o.lastPhoto.Store(in.SessionID, ref.URL)
			return perceptionResult{VisualType: VisualPhoto, Artifact: artifact}
		}
		return perceptionResult{VisualType: visual}
	}

	if visual == VisualPhoto {
		// Cache only records the label, not the payload (stickers
		// discard theirs); re-download for a cached photo hit so the
		// agent still gets an attachable artifact.
		data, err := o.downloader.Download(ctx, ref.URL)
		if err != nil {
			return perceptionResult{VisualType: VisualIcon}
		}
		artifact, err := compressPhoto(data)
		if err != nil {
			return perceptionResult{VisualType: VisualIcon}
		}
		o.lastPhoto.Store(in.SessionID, ref.URL)
		return perceptionResult{VisualType: VisualPhoto, Artifact: artifact}
	}
	return perceptionResult{VisualType: visual}
}

// reopenLastPhoto re-attaches the session's most recent photo when the
// vision router decides a no-image turn still needs it (the user is
// likely referring back to the picture). Returns VisualNone when the
// session never carried a photo or the re-fetch fails.
func (o *Orchestrator) reopenLastPhoto(ctx context.Context, sessionID string) perceptionResult {
	v, ok := o.lastPhoto.Load(sessionID)
	if !ok {
		return perceptionResult{VisualType: VisualNone}
	}
	url := v.(string)
	data, err := o.downloader.Download(ctx, url)
	if err != nil {
		o.log.Warn().Err(err).Str("url", url).Msg("orchestrator: reopening prior photo failed")
		return perceptionResult{VisualType: VisualNone}
	}
	artifact, err := compressPhoto(data)
	if err != nil {
		return perceptionResult{VisualType: VisualNone}
	}
	return perceptionResult{VisualType: VisualPhoto, Artifact: artifact}
}

// defaultVisionRouter decides whether perception should run at all
// when no new image is present. The default never re-opens a prior
// photo; callers can override via Option.
func (o *Orchestrator) defaultVisionRouter(in Input) bool { return false }

// compressPhoto resizes to a max dimension of 1536px and re-encodes
// as base64 JPEG.
func compressPhoto(data []byte) (*ImageArtifact, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxPhotoDimension || h > maxPhotoDimension {
		scale := float64(maxPhotoDimension) / float64(max(w, h))
		nw, nh := int(float64(w)*scale), int(float64(h)*scale)
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return &ImageArtifact{
		MimeType: "image/jpeg",
		Base64:   base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
