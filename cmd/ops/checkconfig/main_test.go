package main

import (
	"strings"
	"testing"

	"entitlements/internal/billing"
	"entitlements/internal/types"
)

func TestPrintCatalog_AllMapped(t *testing.T) {
	catalog := billing.NewCatalog(map[types.PlanID]string{
		types.PlanBasic:        "price_basic",
		types.PlanProfessional: "price_pro",
		types.PlanEnterprise:   "price_ent",
		types.PlanCredits10:    "price_c10",
		types.PlanCredits50:    "price_c50",
		types.PlanCredits100:   "price_c100",
	})

	var out strings.Builder
	missing := printCatalog(&out, catalog)

	if missing != 0 {
		t.Fatalf("expected no missing refs, got %d", missing)
	}
	if strings.Contains(out.String(), "UNAVAILABLE") {
		t.Errorf("no plan should be unavailable:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "price_pro") {
		t.Errorf("professional ref missing from output:\n%s", out.String())
	}
}

func TestPrintCatalog_MissingRefs(t *testing.T) {
	catalog := billing.NewCatalog(map[types.PlanID]string{
		types.PlanBasic: "price_basic",
	})

	var out strings.Builder
	missing := printCatalog(&out, catalog)

	if want := len(types.AllPlanIDs) - 1; missing != want {
		t.Fatalf("missing = %d, want %d", missing, want)
	}
	if !strings.Contains(out.String(), "(unset)") {
		t.Errorf("unset refs should be marked:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "UNAVAILABLE") {
		t.Errorf("unmapped plans should be unavailable:\n%s", out.String())
	}
}

func TestPrintCatalog_CreditPlanShowsAmount(t *testing.T) {
	catalog := billing.NewCatalog(map[types.PlanID]string{
		types.PlanCredits50: "price_c50",
	})

	var out strings.Builder
	printCatalog(&out, catalog)

	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, string(types.PlanCredits50)) {
			if !strings.Contains(line, "credits") || !strings.Contains(line, "50") {
				t.Errorf("credit pack row missing kind or amount: %q", line)
			}
			return
		}
	}
	t.Fatalf("no row for %s in output:\n%s", types.PlanCredits50, out.String())
}
