package outbound

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/callctx"
)

//go:embed initiate.schema.json
var initiateSchemaJSON []byte

const schemaURL = "initiate.schema.json"

// maxRequestBytes caps the size of an initiation request body.
const maxRequestBytes = 1 << 20

// initiateSchema validates POST /calls bodies.
var initiateSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(initiateSchemaJSON)); err != nil {
		panic("outbound: add schema resource: " + err.Error())
	}
	return compiler.MustCompile(schemaURL)
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Handler serves POST /calls on top of an [Initiator].
type Handler struct {
	initiator *Initiator
}

// NewHandler returns the HTTP front end for i.
func NewHandler(i *Initiator) *Handler {
	return &Handler{initiator: i}
}

// Register adds the POST /calls route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /calls", h)
}

// ServeHTTP decodes and validates the request, places the call and maps
// failures to status codes: 400 for bad input, 422 for missing deployment
// configuration, 502 for provider failures.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable request body"})
		return
	}
	params, err := parseParams(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	res, err := h.initiator.Initiate(r.Context(), params)
	if err != nil {
		status := statusFor(err)
		log := observe.Logger(r.Context())
		if status >= http.StatusInternalServerError {
			log.Error("outbound call failed", "err", err)
		} else {
			log.Warn("outbound call rejected", "err", err)
		}
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps an Initiate error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidDestination):
		return http.StatusBadRequest
	case errors.Is(err, ErrMissingAgentConfiguration),
		errors.Is(err, ErrMissingCredential),
		errors.Is(err, ErrMissingCallerNumber):
		return http.StatusUnprocessableEntity
	default:
		// Provider rejections, transport errors and an open breaker.
		return http.StatusBadGateway
	}
}

type requestBody struct {
	To      any            `json:"to"`
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context"`
}

// parseParams validates raw against the request schema and maps it to
// [Params]. Scalar context values of any JSON type are accepted.
func parseParams(raw []byte) (Params, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Params{}, errors.New("request body is not valid JSON")
	}
	if err := initiateSchema.Validate(doc); err != nil {
		return Params{}, err
	}

	var body requestBody
	dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return Params{}, err
	}
	c := body.Context
	s := func(key string) string {
		v, _ := callctx.Scalar(c[key])
		return v
	}
	to, _ := callctx.Scalar(body.To)
	return Params{
		To:            to,
		Prompt:        body.Prompt,
		LeadID:        s("leadId"),
		UserID:        s("userId"),
		AssistantKey:  s("assistantKey"),
		BotType:       s("botType"),
		Source:        s("source"),
		LeadName:      s("leadName"),
		Name:          s("name"),
		FullName:      s("fullName"),
		LeadPhone:     s("leadPhone"),
		Phone:         s("phone"),
		Email:         s("email"),
		RetellAgentID: s("retellAgentId"),
		ConfigID:      s("configId"),
		HumeConfigID:  s("humeConfigId"),
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
