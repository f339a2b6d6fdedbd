/*
templates.go - Ready-made concept sets

PURPOSE:

	Lets a company start from a standard set of concept formulas (salary,
	overtime, incentives, loans) instead of writing every expression.

HOW INSTALLING WORKS:
 1. Look up the template
 2. Bind each concept to the company (and fiscal year, when given)
 3. Skip concepts that already have an active version in the same scope
 4. Create the rest as version 1 through the resolver

Installing twice is harmless: the second call skips everything.

USAGE VIA API:

	GET  /api/templates
	POST /api/templates/install
	{"template_id": "mx-full", "company_id": "acme"}

SEE ALSO:
  - factory/templates.go: Template definitions
  - rules/resolver.go: Create and overlap checks
*/
package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/rules"
)

// ListTemplates returns the available templates.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, factory.Templates())
}

// InstallTemplate creates the template's concepts for a company.
func (h *Handler) InstallTemplate(w http.ResponseWriter, r *http.Request) {
	var req InstallTemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, "company_id is required", nil)
		return
	}
	tmpl, ok := factory.Template(req.TemplateID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown template", nil)
		return
	}

	ctx := r.Context()
	resp := InstallTemplateResponse{
		TemplateID: tmpl.ID,
		Installed:  []FormulaDTO{},
		Skipped:    []string{},
	}
	for _, fj := range tmpl.ForCompany(req.CompanyID, req.FiscalYear) {
		fj.CreatedBy = req.CreatedBy
		in, err := h.FormulaFactory.FromJSON(fj)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Broken template", err)
			return
		}

		overlap, err := h.Formulas.ValidateNoOverlap(ctx, rules.OverlapQuery{
			CompanyID:   in.CompanyID,
			ConceptCode: rules.NormalizeCode(in.ConceptCode),
			FiscalYear:  in.FiscalYear,
			ValidFrom:   in.ValidFrom,
			ValidTo:     in.ValidTo,
		})
		if err != nil {
			h.writeDomainError(w, r, "Failed to check overlap", err)
			return
		}
		if !overlap.Valid {
			resp.Skipped = append(resp.Skipped, fj.ConceptCode)
			continue
		}

		created, err := h.Formulas.Create(ctx, in)
		if err != nil {
			h.writeDomainError(w, r, "Failed to install "+fj.ConceptCode, err)
			return
		}
		resp.Installed = append(resp.Installed, h.FormulaFactory.ToJSON(*created))
	}

	h.log.Info("template installed",
		zap.String("template_id", tmpl.ID),
		zap.String("company_id", req.CompanyID),
		zap.Int("installed", len(resp.Installed)),
		zap.Int("skipped", len(resp.Skipped)))
	writeJSON(w, http.StatusCreated, resp)
}
