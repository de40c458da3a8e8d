package steps

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"

	"github.com/teranos/metis/am"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/internal/httpclient"
	"github.com/teranos/metis/stage"
)

// DefaultMetadataPrefix is requested when metadata_prefix is not set.
const DefaultMetadataPrefix = "edm"

// maxResponseBytes caps one ListRecords page
const maxResponseBytes = 64 << 20

// OAIHarvester pages through an OAI-PMH ListRecords response. Deleted
// records are skipped; noRecordsMatch is an empty harvest, not an error.
type OAIHarvester struct {
	client *httpclient.Client
}

// NewOAIHarvester harvests through client.
func NewOAIHarvester(client *httpclient.Client) *OAIHarvester {
	return &OAIHarvester{client: client}
}

// NewOAIHarvesterFrom builds the harvester from the harvest configuration.
func NewOAIHarvesterFrom(cfg am.HarvestConfig) *OAIHarvester {
	return NewOAIHarvester(httpclient.New(httpclient.Options{
		Timeout:              cfg.Timeout(),
		AllowPrivateNetworks: cfg.AllowPrivateNetworks,
		UserAgent:            cfg.UserAgent,
	}))
}

type oaiResponse struct {
	Errors      []oaiError `xml:"error"`
	ListRecords struct {
		Records         []oaiRecord `xml:"record"`
		ResumptionToken string      `xml:"resumptionToken"`
	} `xml:"ListRecords"`
}

type oaiError struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type oaiRecord struct {
	Header struct {
		Identifier string `xml:"identifier"`
		Status     string `xml:"status,attr"`
	} `xml:"header"`
	Metadata struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"metadata"`
}

func (h *OAIHarvester) Harvest(ctx context.Context, params map[string]string, emit func(HarvestedRecord) error) error {
	endpoint := params[stage.ParamEndpoint]
	if endpoint == "" {
		return errors.NewInvalidRequestError("OAI harvest needs parameter %s", stage.ParamEndpoint)
	}
	base, err := h.client.Validate(endpoint)
	if err != nil {
		return err
	}

	prefix := params[stage.ParamMetadataPrefix]
	if prefix == "" {
		prefix = DefaultMetadataPrefix
	}

	query := url.Values{"verb": {"ListRecords"}, "metadataPrefix": {prefix}}
	if set := params[stage.ParamSetSpec]; set != "" {
		query.Set("set", set)
	}

	for page := 1; ; page++ {
		u := *base
		u.RawQuery = query.Encode()

		resp, err := h.fetch(ctx, u.String())
		if err != nil {
			return errors.Wrapf(err, "ListRecords page %d", page)
		}
		if len(resp.Errors) > 0 {
			if resp.Errors[0].Code == "noRecordsMatch" {
				return nil
			}
			return errors.Newf("OAI-PMH error %s: %s", resp.Errors[0].Code, resp.Errors[0].Message)
		}

		for _, r := range resp.ListRecords.Records {
			if r.Header.Status == "deleted" {
				continue
			}
			hr := HarvestedRecord{
				ExternalID: r.Header.Identifier,
				Content:    bytes.TrimSpace(r.Metadata.Inner),
			}
			if err := emit(hr); err != nil {
				return err
			}
		}

		token := resp.ListRecords.ResumptionToken
		if token == "" {
			return nil
		}
		query = url.Values{"verb": {"ListRecords"}, "resumptionToken": {token}}
	}
}

func (h *OAIHarvester) fetch(ctx context.Context, rawURL string) (*oaiResponse, error) {
	resp, err := h.client.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("unexpected status %s", resp.Status)
	}

	var out oaiResponse
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "failed to decode OAI-PMH response")
	}
	return &out, nil
}
