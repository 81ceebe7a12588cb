package catalog

import (
	"fmt"
	"sort"

	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
	"github.com/xela07ax/spaceai-tool-gateway/internal/policy"
)

// Эндпоинты действий
const (
	EndpointCreateLead     = "crm/create_lead"
	EndpointUpdateLead     = "crm/update_lead"
	EndpointLogInteraction = "crm/log_interaction"
	EndpointCreateQuote    = "orders/create_quote"
	EndpointCreateOrder    = "orders/create_order"
	EndpointUpdateStatus   = "orders/update_status"
	EndpointGetKPIs        = "finance/get_kpis"
	EndpointCreateInvoice  = "finance/create_invoice"
	EndpointEstimate       = "ai-battery/estimate"
	EndpointCharge         = "ai-battery/charge"

	// Эндпоинты журнала аудита не диспетчеризуются через каталог
	EndpointAuditLog    = "audit/log"
	EndpointAuditEvents = "audit/events"
)

// Коллекции сущностей
const (
	CollectionLeads        = "leads"
	CollectionInteractions = "interactions"
	CollectionQuotes       = "quotes"
	CollectionOrders       = "orders"
	CollectionInvoices     = "invoices"
	CollectionAICharges    = "ai_charges"
)

// ReadFunc строит синтетическую запись для read-only эндпоинта.
type ReadFunc func(req *domain.ActionRequest) interface{}

// Entry описывает строку каталога: куда пишет эндпоинт и какие флаги политики к нему привязаны.
type Entry struct {
	Endpoint         string
	Collection       string // Пусто для синтетического чтения
	WriteAllowed     bool
	ApprovalRequired bool
	Read             ReadFunc // Не nil: эндпоинт только читает и обходит проверки записи
}

// IsRead сообщает, что эндпоинт синтетический и ничего не пишет в коллекции.
func (e Entry) IsRead() bool { return e.Read != nil }

// Rule: проекция строки каталога на вход Policy Engine.
func (e Entry) Rule() policy.Rule {
	return policy.Rule{WriteAllowed: e.WriteAllowed, ApprovalRequired: e.ApprovalRequired}
}

// Таблица действий. Новое действие: одна строка.
var defaultEntries = []Entry{
	{Endpoint: EndpointCreateLead, Collection: CollectionLeads, WriteAllowed: true},
	{Endpoint: EndpointUpdateLead, Collection: CollectionLeads, WriteAllowed: true},
	{Endpoint: EndpointLogInteraction, Collection: CollectionInteractions, WriteAllowed: true},
	{Endpoint: EndpointCreateQuote, Collection: CollectionQuotes, WriteAllowed: true},
	{Endpoint: EndpointCreateOrder, Collection: CollectionOrders, WriteAllowed: true},
	{Endpoint: EndpointUpdateStatus, Collection: CollectionOrders, WriteAllowed: true},
	{Endpoint: EndpointGetKPIs, Read: financeKPIs},
	{Endpoint: EndpointCreateInvoice, Collection: CollectionInvoices, WriteAllowed: true, ApprovalRequired: true},
	{Endpoint: EndpointEstimate, Read: batteryEstimate},
	{Endpoint: EndpointCharge, Collection: CollectionAICharges, WriteAllowed: true, ApprovalRequired: true},
}

// Catalog: неизменяемый после сборки справочник эндпоинтов.
type Catalog struct {
	entries map[string]Entry
	order   []string
}

// New собирает каталог из строк. Дубликаты эндпоинтов: ошибка конфигурации.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.Endpoint == "" {
			return nil, fmt.Errorf("catalog: entry without endpoint")
		}
		if _, dup := c.entries[e.Endpoint]; dup {
			return nil, fmt.Errorf("catalog: duplicate endpoint %s", e.Endpoint)
		}
		if !e.IsRead() && e.Collection == "" {
			return nil, fmt.Errorf("catalog: write endpoint %s has no collection", e.Endpoint)
		}
		c.entries[e.Endpoint] = e
		c.order = append(c.order, e.Endpoint)
	}
	return c, nil
}

// Default: стандартный набор CRM / orders / finance / ai-battery.
func Default() *Catalog {
	c, err := New(defaultEntries...)
	if err != nil {
		panic(err) // Таблица статическая, ошибка здесь означает баг в коде
	}
	return c
}

// Lookup ищет эндпоинт.
func (c *Catalog) Lookup(endpoint string) (Entry, bool) {
	e, ok := c.entries[endpoint]
	return e, ok
}

// Entries возвращает строки в порядке регистрации.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, ep := range c.order {
		out = append(out, c.entries[ep])
	}
	return out
}

// Collections: уникальные коллекции каталога, отсортированные по имени.
func (c *Catalog) Collections() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range c.entries {
		if e.Collection == "" {
			continue
		}
		if _, ok := seen[e.Collection]; !ok {
			seen[e.Collection] = struct{}{}
			out = append(out, e.Collection)
		}
	}
	sort.Strings(out)
	return out
}

// WithReadOnly возвращает копию каталога, где перечисленные write-эндпоинты закрыты на запись.
func (c *Catalog) WithReadOnly(endpoints ...string) (*Catalog, error) {
	next := &Catalog{entries: make(map[string]Entry, len(c.entries)), order: append([]string(nil), c.order...)}
	for k, v := range c.entries {
		next.entries[k] = v
	}
	for _, ep := range endpoints {
		e, ok := next.entries[ep]
		if !ok {
			return nil, fmt.Errorf("catalog: %w: %s", domain.ErrUnknownEndpoint, ep)
		}
		e.WriteAllowed = false
		next.entries[ep] = e
	}
	return next, nil
}
