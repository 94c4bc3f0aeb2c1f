package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrPatientNotFound    = errors.New("patient not found")
	ErrSpecialistNotFound = errors.New("specialist not found")
)

type Patient struct {
	PatientID string `json:"patient_id"`
	FullName  string `json:"full_name"`
}

type Specialist struct {
	SpecialistID string `json:"specialist_id"`
	FullName     string `json:"full_name"`
	Department   string `json:"department"`
}

// Lookup resolves patient and specialist references against the master-data
// service. Lookups hit another process; missing records map to the
// not-found sentinels above.
type Lookup interface {
	GetPatient(ctx context.Context, patientID string) (Patient, error)
	GetSpecialist(ctx context.Context, specialistID string) (Specialist, error)
}

type HTTPLookup struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLookup(baseURL string, timeout time.Duration) *HTTPLookup {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPLookup{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (l *HTTPLookup) GetPatient(ctx context.Context, patientID string) (Patient, error) {
	var patient Patient
	if err := l.getJSON(ctx, fmt.Sprintf("%s/api/patients/%s", l.baseURL, patientID), &patient, ErrPatientNotFound); err != nil {
		return Patient{}, err
	}
	return patient, nil
}

func (l *HTTPLookup) GetSpecialist(ctx context.Context, specialistID string) (Specialist, error) {
	var specialist Specialist
	if err := l.getJSON(ctx, fmt.Sprintf("%s/api/specialists/%s", l.baseURL, specialistID), &specialist, ErrSpecialistNotFound); err != nil {
		return Specialist{}, err
	}
	return specialist, nil
}

func (l *HTTPLookup) getJSON(ctx context.Context, url string, target interface{}, notFound error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return notFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// NopLookup accepts every reference. Used when no directory endpoint is
// configured.
type NopLookup struct{}

func (NopLookup) GetPatient(ctx context.Context, patientID string) (Patient, error) {
	return Patient{PatientID: patientID}, nil
}

func (NopLookup) GetSpecialist(ctx context.Context, specialistID string) (Specialist, error) {
	return Specialist{SpecialistID: specialistID}, nil
}
