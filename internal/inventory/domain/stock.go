package domain

import "time"

// LowStockThreshold marks a product as running low once its available units
// drop to this value or below.
const LowStockThreshold = 10

type StockStatus string

const (
	InStock    StockStatus = "instock"
	OutOfStock StockStatus = "outofstock"
)

// StockRecord is the ledger row for one product. ReservedStock never exceeds
// TotalStock and Version grows by one on every mutation.
type StockRecord struct {
	ProductID     string
	TotalStock    int
	ReservedStock int
	Version       int64
	UpdatedAt     time.Time
}

func (s StockRecord) Available() int {
	if s.ReservedStock >= s.TotalStock {
		return 0
	}
	return s.TotalStock - s.ReservedStock
}

type StockLevel struct {
	ProductID string      `json:"product_id"`
	Total     int         `json:"total"`
	Reserved  int         `json:"reserved"`
	Available int         `json:"available"`
	Status    StockStatus `json:"status"`
	LowStock  bool        `json:"low_stock"`
}

func (s StockRecord) Level() StockLevel {
	available := s.Available()
	status := InStock
	if available == 0 {
		status = OutOfStock
	}
	return StockLevel{
		ProductID: s.ProductID,
		Total:     s.TotalStock,
		Reserved:  s.ReservedStock,
		Available: available,
		Status:    status,
		LowStock:  available <= LowStockThreshold,
	}
}

// Drift compares the ledger's reserved counter with the sum of active holds.
// A non-zero Delta means the two structures disagree.
type Drift struct {
	ProductID     string `json:"product_id"`
	ReservedStock int    `json:"reserved_stock"`
	ActiveSum     int    `json:"active_sum"`
	Delta         int    `json:"delta"`
}

func (d Drift) Consistent() bool { return d.Delta == 0 }
