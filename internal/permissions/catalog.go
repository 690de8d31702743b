package permissions

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Module identifies one functional area of the portal.
type Module string

// Portal modules.
const (
	ModuleDashboard     Module = "dashboard"
	ModuleClientes      Module = "clientes"
	ModuleChamados      Module = "chamados"
	ModuleOrdensServico Module = "ordens_servico"
	ModuleContratos     Module = "contratos"
	ModuleEstoque       Module = "estoque"
	ModuleFinanceiro    Module = "financeiro"
	ModuleFaturamento   Module = "faturamento"
	ModuleRelatorios    Module = "relatorios"
	ModuleConfiguracoes Module = "configuracoes"
	ModuleUsuarios      Module = "usuarios"
	ModuleAuditoria     Module = "auditoria"
	ModuleTecnicos      Module = "tecnicos"
)

// CatalogEntry pairs a module with its display label.
type CatalogEntry struct {
	Module Module `json:"module"`
	Label  string `json:"label"`
}

var catalog = []CatalogEntry{
	{ModuleDashboard, "Dashboard"},
	{ModuleClientes, "Clientes"},
	{ModuleChamados, "Chamados"},
	{ModuleOrdensServico, "Ordens de Serviço"},
	{ModuleContratos, "Contratos"},
	{ModuleEstoque, "Estoque"},
	{ModuleFinanceiro, "Financeiro"},
	{ModuleFaturamento, "Faturamento"},
	{ModuleRelatorios, "Relatórios"},
	{ModuleConfiguracoes, "Configurações"},
	{ModuleUsuarios, "Usuários"},
	{ModuleAuditoria, "Auditoria"},
	{ModuleTecnicos, "Técnicos"},
}

// English names accepted by ParseModule.
var aliases = map[string]Module{
	"clients":        ModuleClientes,
	"tickets":        ModuleChamados,
	"service_orders": ModuleOrdensServico,
	"contracts":      ModuleContratos,
	"inventory":      ModuleEstoque,
	"finance":        ModuleFinanceiro,
	"billing":        ModuleFaturamento,
	"reports":        ModuleRelatorios,
	"settings":       ModuleConfiguracoes,
	"users":          ModuleUsuarios,
	"audit_log":      ModuleAuditoria,
	"technicians":    ModuleTecnicos,
}

var lookup = buildLookup()

func buildLookup() map[string]Module {
	m := make(map[string]Module, len(catalog)*2+len(aliases))
	for _, e := range catalog {
		m[foldName(string(e.Module))] = e.Module
		m[foldName(e.Label)] = e.Module
	}
	for k, v := range aliases {
		m[foldName(k)] = v
	}
	return m
}

// Catalog returns the ordered module catalog.
func Catalog() []CatalogEntry {
	out := make([]CatalogEntry, len(catalog))
	copy(out, catalog)
	return out
}

// Modules returns the module identifiers in catalog order.
func Modules() []Module {
	out := make([]Module, len(catalog))
	for i, e := range catalog {
		out[i] = e.Module
	}
	return out
}

// Valid reports whether m belongs to the catalog.
func (m Module) Valid() bool {
	for _, e := range catalog {
		if e.Module == m {
			return true
		}
	}
	return false
}

// Label returns the display label, or the raw identifier for unknown modules.
func (m Module) Label() string {
	for _, e := range catalog {
		if e.Module == m {
			return e.Label
		}
	}
	return string(m)
}

// ParseModule resolves an identifier, label or English alias, ignoring case
// and accents.
func ParseModule(s string) (Module, error) {
	if m, ok := lookup[foldName(s)]; ok {
		return m, nil
	}
	return "", ErrUnknownModule
}

func foldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, folded)
}
