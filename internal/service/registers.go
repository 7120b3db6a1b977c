package service

import (
	"context"
	"fmt"
	"strings"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/xid"
)

func (s *Service) CreateRegister(ctx context.Context, req domain.RegisterCreateRequest) (domain.CashRegister, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CashRegister{}, err
	}

	req.CompanyID = strings.TrimSpace(req.CompanyID)
	req.Name = strings.TrimSpace(req.Name)
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	switch {
	case req.CompanyID == "":
		return domain.CashRegister{}, invalidInput("company_id", "company_id is required")
	case req.Name == "":
		return domain.CashRegister{}, invalidInput("name", "name is required")
	case req.Code == "":
		return domain.CashRegister{}, invalidInput("code", "code is required")
	}

	journal := s.journalByDefault
	if req.JournalCashSales != nil {
		journal = *req.JournalCashSales
	}

	created, err := s.repo.CreateRegister(ctx, domain.CashRegister{
		ID:               xid.New("reg"),
		CompanyID:        req.CompanyID,
		Name:             req.Name,
		Code:             req.Code,
		Active:           true,
		JournalCashSales: journal,
		CreatedAt:        s.now().UTC(),
	})
	if err != nil {
		return domain.CashRegister{}, err
	}

	s.logAudit(ctx, "register_create", "register", created.ID, fmt.Sprintf("code=%s,journal_cash_sales=%t", created.Code, created.JournalCashSales))
	return *created, nil
}

func (s *Service) GetRegister(ctx context.Context, id string) (domain.CashRegister, error) {
	register, err := s.repo.GetRegister(ctx, id)
	if err != nil {
		return domain.CashRegister{}, err
	}
	return *register, nil
}

func (s *Service) ListRegisters(ctx context.Context) ([]domain.CashRegister, error) {
	return s.repo.ListRegisters(ctx)
}

// SetRegisterActive is the only change a register accepts after creation.
func (s *Service) SetRegisterActive(ctx context.Context, id string, req domain.RegisterUpdateRequest) (domain.CashRegister, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CashRegister{}, err
	}
	if req.Active == nil {
		return domain.CashRegister{}, invalidInput("active", "active is required")
	}

	updated, err := s.repo.SetRegisterActive(ctx, id, *req.Active)
	if err != nil {
		return domain.CashRegister{}, err
	}

	s.logAudit(ctx, "register_set_active", "register", updated.ID, fmt.Sprintf("active=%t", updated.Active))
	return *updated, nil
}
