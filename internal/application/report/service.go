// Package report builds read-only sales summaries over settled orders for
// external reporting. It never touches the write path.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ventalocal/fulfillment/internal/domain/order"
)

var ErrInvalidGroup = errors.New("report: group must be day, week, month or year")

const (
	GroupDay   = "day"
	GroupWeek  = "week"
	GroupMonth = "month"
	GroupYear  = "year"
)

// PeriodSales aggregates the settled orders of one period.
type PeriodSales struct {
	Period    string `json:"period"`
	Orders    int    `json:"orders"`
	Revenue   int64  `json:"revenue"`
	Units     int    `json:"units"`
	Customers int    `json:"customers"`
}

type SalesReport struct {
	GroupBy string        `json:"group_by"`
	Periods []PeriodSales `json:"periods"`
	Orders  int           `json:"orders"`
	Revenue int64         `json:"revenue"`
	Units   int           `json:"units"`
}

type Service struct {
	orders order.Repository
}

func NewService(orders order.Repository) *Service {
	return &Service{orders: orders}
}

// Sales groups settled orders created inside the range by period. Customers
// counts distinct buyer emails per period. An empty groupBy defaults to day.
func (s *Service) Sales(ctx context.Context, from, to time.Time, groupBy string) (*SalesReport, error) {
	if groupBy == "" {
		groupBy = GroupDay
	}
	switch groupBy {
	case GroupDay, GroupWeek, GroupMonth, GroupYear:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidGroup, groupBy)
	}

	orders, err := s.orders.ListPaidBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("report: list orders: %w", err)
	}

	report := &SalesReport{GroupBy: groupBy, Periods: make([]PeriodSales, 0)}
	grouped := make(map[string]*PeriodSales)
	customers := make(map[string]map[string]struct{})

	for _, o := range orders {
		key := periodKey(o.CreatedAt, groupBy)
		period, ok := grouped[key]
		if !ok {
			period = &PeriodSales{Period: key}
			grouped[key] = period
			customers[key] = make(map[string]struct{})
		}

		period.Orders++
		period.Revenue += o.Total
		for _, line := range o.Items {
			period.Units += line.Quantity
		}
		customers[key][o.Customer.Email] = struct{}{}

		report.Orders++
		report.Revenue += o.Total
	}

	for key, period := range grouped {
		period.Customers = len(customers[key])
		report.Units += period.Units
		report.Periods = append(report.Periods, *period)
	}
	sort.Slice(report.Periods, func(i, j int) bool {
		return report.Periods[i].Period < report.Periods[j].Period
	})
	return report, nil
}

func periodKey(t time.Time, groupBy string) string {
	t = t.UTC()
	switch groupBy {
	case GroupWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case GroupMonth:
		return t.Format("2006-01")
	case GroupYear:
		return t.Format("2006")
	default:
		return t.Format("2006-01-02")
	}
}
