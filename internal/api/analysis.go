package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/patrickmn/go-cache"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/auth"
	"plant-doctor/internal/capture"
	"plant-doctor/internal/models"
)

type identifyResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Results *[]struct {
		PlantName      string   `json:"plant_name"`
		Confidence     *float64 `json:"confidence"`
		ScientificName string   `json:"scientific_name"`
		Family         string   `json:"family"`
	} `json:"results"`
}

type diagnoseResponse struct {
	Success   *bool  `json:"success"`
	Message   string `json:"message"`
	Diagnoses *[]struct {
		Name            string   `json:"name"`
		NormalizedLabel string   `json:"normalized_label"`
		Confidence      float64  `json:"confidence"`
		Symptoms        []string `json:"symptoms"`
		Causes          []string `json:"causes"`
		Treatment       []string `json:"treatment"`
		Category        string   `json:"category"`
		Severity        string   `json:"severity"`
		HealthScore     *float64 `json:"health_score"`
	} `json:"diagnoses"`
}

// Identify names the plant in img.
func (c *Client) Identify(ctx context.Context, img capture.Image, token, deviceID string) (models.Identification, error) {
	const op = "identify"
	if img.Empty() {
		return models.Identification{}, apierr.BadImage(op, "empty image")
	}
	if err := requireToken(op, token); err != nil {
		return models.Identification{}, err
	}

	key := identifyKey(token, img)
	if c.identified != nil {
		if v, ok := c.identified.Get(key); ok {
			return v.(models.Identification), nil
		}
	}

	body, err := c.upload(ctx, op, "/identify/", img, token, deviceID)
	if err != nil {
		return models.Identification{}, err
	}

	var resp identifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Identification{}, apierr.InvalidResponse(op, err)
	}
	if resp.Success != nil && !*resp.Success {
		return models.Identification{}, apierr.BadImage(op, resp.Message)
	}
	if resp.Results == nil {
		return models.Identification{}, apierr.InvalidResponse(op, errors.New("missing results"))
	}
	if len(*resp.Results) == 0 {
		return models.Identification{}, apierr.BadImage(op, "no plant identification results found")
	}

	top := (*resp.Results)[0]
	if top.PlantName == "" || top.Confidence == nil {
		return models.Identification{}, apierr.InvalidResponse(op, errors.New("invalid result format"))
	}

	result := models.Identification{
		Name:           top.PlantName,
		Confidence:     models.NormalizeConfidence(*top.Confidence),
		ScientificName: top.ScientificName,
		Family:         top.Family,
	}
	if c.identified != nil {
		c.identified.Set(key, result, cache.DefaultExpiration)
	}
	return result, nil
}

// Diagnose reports the most likely condition of the plant in img. A 402
// means the free diagnoses are used up; see apierr.IsUpgradeRequired.
func (c *Client) Diagnose(ctx context.Context, img capture.Image, token, deviceID string) (models.Diagnosis, error) {
	const op = "diagnose"
	if img.Empty() {
		return models.Diagnosis{}, apierr.BadImage(op, "empty image")
	}
	if err := requireToken(op, token); err != nil {
		return models.Diagnosis{}, err
	}

	body, err := c.upload(ctx, op, "/diagnose/", img, token, deviceID)
	if err != nil {
		return models.Diagnosis{}, err
	}

	var resp diagnoseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Diagnosis{}, apierr.InvalidResponse(op, err)
	}
	if resp.Success != nil && !*resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "diagnosis failed"
		}
		return models.Diagnosis{}, apierr.BadImage(op, msg)
	}
	if resp.Diagnoses == nil {
		return models.Diagnosis{}, apierr.InvalidResponse(op, errors.New("missing diagnoses"))
	}
	if len(*resp.Diagnoses) == 0 {
		return models.Diagnosis{}, apierr.BadImage(op, "no diagnosis results found")
	}

	d := (*resp.Diagnoses)[0]
	name := d.Name
	if name == "" {
		name = d.NormalizedLabel
	}
	if name == "" {
		name = "Unknown"
	}
	return models.Diagnosis{
		Condition:   name,
		Confidence:  d.Confidence,
		Symptoms:    orEmpty(d.Symptoms),
		Causes:      orEmpty(d.Causes),
		Treatment:   orEmpty(d.Treatment),
		Category:    d.Category,
		Severity:    d.Severity,
		HealthScore: d.HealthScore,
	}, nil
}

func (c *Client) upload(ctx context.Context, op, path string, img capture.Image, token, deviceID string) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := img.Filename
	if filename == "" {
		filename = "plant.jpg"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, apierr.FromTransport(op, err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, apierr.FromTransport(op, err)
	}
	if deviceID != "" {
		if err := w.WriteField("device_id", deviceID); err != nil {
			return nil, apierr.FromTransport(op, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, apierr.FromTransport(op, err)
	}

	return c.do(ctx, call{
		op:          op,
		flow:        apierr.FlowSession,
		method:      http.MethodPost,
		path:        path,
		token:       token,
		timeout:     c.timeouts.Analysis,
		body:        &buf,
		contentType: w.FormDataContentType(),
	})
}

// identifyKey scopes cached results to the caller: the token's subject
// when it is a JWT, the token itself otherwise.
func identifyKey(token string, img capture.Image) string {
	owner := auth.Subject(token)
	if owner == "" {
		owner = token
	}
	h := sha256.New()
	h.Write([]byte(owner))
	h.Write([]byte{0})
	h.Write(img.Data)
	return hex.EncodeToString(h.Sum(nil))
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
