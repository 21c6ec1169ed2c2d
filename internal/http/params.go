package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/gig-dispatch/internal/models"
)

const maxBodyBytes = 1 << 20

// flexFloat accepts a JSON number or a numeric string; mobile clients send both.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type pointBody struct {
	Lat *flexFloat `json:"lat"`
	Lng *flexFloat `json:"lng"`
}

func (p *pointBody) point() (*models.Point, error) {
	if p == nil {
		return nil, nil
	}
	if p.Lat == nil || p.Lng == nil {
		return nil, fmt.Errorf("%w: lat and lng are required", models.ErrInvalidCoordinate)
	}
	return &models.Point{Lat: float64(*p.Lat), Lng: float64(*p.Lng)}, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", models.ErrValidation, err)
	}
	return nil
}

var nowUTC = func() time.Time { return time.Now().UTC() }

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp must be RFC3339", models.ErrValidation)
	}
	return t, nil
}

func queryFloat(r *http.Request, key string) (*float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a number", models.ErrValidation, key)
	}
	return &v, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrValidation, key)
	}
	return v, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be true or false", models.ErrValidation, key)
	}
	return &v, nil
}

// queryPoint reads lat/lng. Both absent is fine; one without the other is not.
func queryPoint(r *http.Request) (*models.Point, error) {
	lat, err := queryFloat(r, "lat")
	if err != nil {
		return nil, err
	}
	lng, err := queryFloat(r, "lng")
	if err != nil {
		return nil, err
	}
	if lat == nil && lng == nil {
		return nil, nil
	}
	if lat == nil || lng == nil {
		return nil, fmt.Errorf("%w: lat and lng must be given together", models.ErrInvalidCoordinate)
	}
	return &models.Point{Lat: *lat, Lng: *lng}, nil
}
