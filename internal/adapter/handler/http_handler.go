package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

// CartHeader scopes cart operations to one shopper session.
const CartHeader = "X-Cart-ID"

const maxBodyBytes = 1 << 20

type HTTPHandler struct {
	catalog      *service.CatalogService
	reservations *service.ReservationService
	checkout     *service.CheckoutService
	audit        *service.AuditService
	gatherer     prometheus.Gatherer
	resultURL    string
	log          zerolog.Logger
}

type HTTPOptions struct {
	// ResultURL, when set, is where /commit redirects the shopper with the
	// outcome in the query string. Without it /commit answers JSON.
	ResultURL string
	Gatherer  prometheus.Gatherer
}

func NewHTTPHandler(
	catalog *service.CatalogService,
	reservations *service.ReservationService,
	checkout *service.CheckoutService,
	audit *service.AuditService,
	opts HTTPOptions,
	logger zerolog.Logger,
) *HTTPHandler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &HTTPHandler{
		catalog:      catalog,
		reservations: reservations,
		checkout:     checkout,
		audit:        audit,
		gatherer:     opts.Gatherer,
		resultURL:    opts.ResultURL,
		log:          logger.With().Str("component", "http").Logger(),
	}
}

func (h *HTTPHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogging)

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Get("/items", h.ListItems)
	r.Get("/items/{id}", h.GetItem)

	r.Get("/cart", h.GetCart)
	r.Post("/cart/items", h.ReserveItems)
	r.Post("/cart/release", h.ReleaseItems)

	r.Post("/checkout", h.Checkout)
	r.Get("/commit", h.Commit)
	r.Post("/commit", h.Commit)
	r.Get("/orders/{buyOrder}", h.GetOrder)

	r.Get("/audit/verify", h.VerifyAudit)
	r.Get("/audit/items/{id}", h.AuditTrail)
	r.Post("/audit/items/{id}/unfreeze", h.Unfreeze)

	return r
}

func (h *HTTPHandler) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

type LineItem struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type cartRequest struct {
	ItemID   string     `json:"item_id,omitempty"`
	Quantity int        `json:"quantity,omitempty"`
	Items    []LineItem `json:"items,omitempty"`
}

func (c cartRequest) lines() []domain.ItemLine {
	lines := make([]domain.ItemLine, 0, len(c.Items)+1)
	if c.ItemID != "" || c.Quantity != 0 {
		lines = append(lines, domain.ItemLine{ItemID: c.ItemID, Quantity: c.Quantity})
	}
	for _, l := range c.Items {
		lines = append(lines, domain.ItemLine{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return lines
}

type itemJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Price       int    `json:"price"`
	Stock       int    `json:"stock"`
}

func toItemJSON(it domain.Item) itemJSON {
	return itemJSON{
		ID:          it.ID,
		Name:        it.Name,
		Description: it.Description,
		Category:    it.Category,
		ImageURL:    it.ImageURL,
		Price:       it.Price,
		Stock:       it.Stock,
	}
}

type ReservationView struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	Quantity  int       `json:"quantity"`
	State     string    `json:"state"`
	BuyOrder  string    `json:"buy_order,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toReservationView(r domain.Reservation) ReservationView {
	return ReservationView{
		ID:        r.ID,
		ItemID:    r.ItemID,
		Quantity:  r.Quantity,
		State:     string(r.State),
		BuyOrder:  r.OrderRef(),
		CreatedAt: r.CreatedAt,
	}
}

type OrderLineView struct {
	ItemID    string `json:"item_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int    `json:"unit_price"`
}

func toOrderLineViews(lines []domain.OrderLine) []OrderLineView {
	out := make([]OrderLineView, 0, len(lines))
	for _, l := range lines {
		out = append(out, OrderLineView{ItemID: l.ItemID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	return out
}

type orderJSON struct {
	BuyOrder          string          `json:"buy_order"`
	Status            string          `json:"status"`
	Amount            int             `json:"amount"`
	Items             []OrderLineView `json:"items"`
	GatewayStatus     string          `json:"gateway_status,omitempty"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type CheckoutResponse struct {
	BuyOrder    string          `json:"buy_order"`
	Token       string          `json:"token"`
	RedirectURL string          `json:"redirect_url"`
	Amount      int             `json:"amount"`
	Items       []OrderLineView `json:"items"`
}

type ConfirmResponse struct {
	BuyOrder      string `json:"buy_order,omitempty"`
	Status        string `json:"status"`
	GatewayStatus string `json:"gateway_status,omitempty"`
	Applied       bool   `json:"applied"`
	Unfulfilled   int    `json:"unfulfilled,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ItemID    string `json:"item_id,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	res, err := h.catalog.ListItems(r.Context(), service.CatalogQuery{
		Category: q.Get("category"),
		Search:   q.Get("search"),
		Sort:     q.Get("sort"),
		Page:     page,
		PerPage:  perPage,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := make([]itemJSON, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, toItemJSON(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"total":       res.Total,
		"page":        res.Page,
		"per_page":    res.PerPage,
		"total_pages": res.TotalPages,
	})
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	it, err := h.catalog.GetItem(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := toItemJSON(*it)
	if stock, err := h.catalog.GetStock(r.Context(), id); err == nil {
		out.Stock = stock
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	holds, err := h.reservations.CartHolds(r.Context(), r.Header.Get(CartHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]ReservationView, 0, len(holds))
	for _, hold := range holds {
		out = append(out, toReservationView(hold))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": out})
}

func (h *HTTPHandler) ReserveItems(w http.ResponseWriter, r *http.Request) {
	var req cartRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	taken, err := h.reservations.ReserveCart(r.Context(), r.Header.Get(CartHeader), req.lines())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]ReservationView, 0, len(taken))
	for _, res := range taken {
		out = append(out, toReservationView(res))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"reservations": out})
}

// ReleaseItems releases the requested quantities, or every unattached hold
// of the cart when the body is empty.
func (h *HTTPHandler) ReleaseItems(w http.ResponseWriter, r *http.Request) {
	var req cartRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	units, err := h.reservations.ReleaseItems(r.Context(), r.Header.Get(CartHeader), req.lines())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"released": units})
}

func (h *HTTPHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req cartRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.checkout.CheckoutCart(r.Context(), r.Header.Get(CartHeader), req.lines())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CheckoutResponse{
		BuyOrder:    res.BuyOrder,
		Token:       res.Token,
		RedirectURL: res.RedirectURL,
		Amount:      res.Amount,
		Items:       toOrderLineViews(res.Items),
	})
}

// Commit is Webpay's return URL. A normal return carries token_ws; a
// shopper cancelling on the payment form comes back with TBK_TOKEN and
// TBK_ORDEN_COMPRA instead.
func (h *HTTPHandler) Commit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, &domain.ValidationError{Field: "body", Message: "malformed form"})
		return
	}

	var (
		c   *service.Confirmation
		err error
	)
	if token := r.Form.Get("token_ws"); token != "" {
		c, err = h.checkout.ConfirmOrder(r.Context(), token)
	} else {
		c, err = h.checkout.ConfirmAbandoned(r.Context(), r.Form.Get("TBK_ORDEN_COMPRA"))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := string(c.Status)
	if c.Abandoned {
		status = "ABORTED"
	}

	if h.resultURL != "" {
		q := url.Values{}
		q.Set("status", status)
		if c.BuyOrder != "" {
			q.Set("order", c.BuyOrder)
		}
		http.Redirect(w, r, h.resultURL+"?"+q.Encode(), http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmResponse{
		BuyOrder:      c.BuyOrder,
		Status:        status,
		GatewayStatus: c.GatewayStatus,
		Applied:       c.Applied,
		Unfulfilled:   c.Unfulfilled,
	})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.checkout.GetOrder(r.Context(), chi.URLParam(r, "buyOrder"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderJSON{
		BuyOrder:          o.BuyOrder,
		Status:            string(o.Status),
		Amount:            o.Amount,
		Items:             toOrderLineViews(o.Items),
		GatewayStatus:     o.GatewayStatus,
		AuthorizationCode: o.AuthorizationCode,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	})
}

func (h *HTTPHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	found, err := h.audit.VerifyAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	type discrepancyJSON struct {
		ItemID   string `json:"item_id"`
		Stock    int    `json:"stock"`
		AuditSum int    `json:"audit_sum"`
	}
	out := make([]discrepancyJSON, 0, len(found))
	for _, d := range found {
		out = append(out, discrepancyJSON{ItemID: d.ItemID, Stock: d.Stock, AuditSum: d.AuditSum})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consistent":    len(found) == 0,
		"discrepancies": out,
	})
}

func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.Trail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	type entryJSON struct {
		Seq       int64     `json:"seq"`
		Delta     int       `json:"delta"`
		Reason    string    `json:"reason"`
		Reference string    `json:"reference"`
		Actor     string    `json:"actor"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{
			Seq:       e.Seq,
			Delta:     e.Delta,
			Reason:    string(e.Reason),
			Reference: e.Reference,
			Actor:     e.Actor,
			Timestamp: e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *HTTPHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	if err := h.audit.Unfreeze(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &domain.ValidationError{Field: "body", Message: "request body must be valid JSON"}
	}
	return nil
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		stock      *domain.InsufficientStockError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: validation.Error()})
	case errors.As(err, &stock):
		available := stock.Available
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     "insufficient_stock",
			Message:   stock.Error(),
			ItemID:    stock.ItemID,
			Available: &available,
		})
	case errors.Is(err, domain.ErrItemNotFound),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, domain.ErrEmptyCart):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "empty_cart", Message: err.Error()})
	case errors.Is(err, domain.ErrCommitInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "commit_in_progress", Message: err.Error()})
	case errors.Is(err, domain.ErrDuplicateOrder):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "duplicate_order", Message: err.Error()})
	case errors.Is(err, domain.ErrInconsistentAudit):
		writeJSON(w, http.StatusLocked, errorResponse{Error: "inconsistent_audit", Message: err.Error()})
	case errors.Is(err, domain.ErrGatewayTimeout):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "gateway_timeout", Message: "payment gateway did not answer in time"})
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, domain.ErrGatewayRejected):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "gateway_error", Message: "payment gateway failed"})
	default:
		h.log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
