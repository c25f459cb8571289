// Package report выгружает заказы в книги XLSX для админки.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/palestrababy/storefront/internal/model"
)

// ContentType содержит MIME-тип формируемых книг.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const sheet = "Pedidos"

var headers = []string{
	"Pedido", "Criado em", "Status", "Cliente", "Email", "Pagamento", "Frete",
	"Subtotal", "Frete (R$)", "Desconto", "Total", "ID pagamento", "Rastreio", "UF",
}

// OrdersWorkbook создаёт книгу с одним листом, по строке на заказ.
func OrdersWorkbook(orders []model.Order) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	if err := f.SetCellStyle(sheet, "A1", last, bold); err != nil {
		f.Close()
		return nil, fmt.Errorf("style header: %w", err)
	}

	for i, o := range orders {
		row := []any{
			o.ID.String(),
			o.CreatedAt.Format(time.DateTime),
			string(o.Status),
			o.CustomerName,
			o.CustomerEmail,
			string(o.PaymentMethod),
			string(o.ShippingMethod),
			o.Subtotal.InexactFloat64(),
			o.ShippingPrice.InexactFloat64(),
			o.DiscountAmount.InexactFloat64(),
			o.Total.InexactFloat64(),
			o.PaymentID,
			o.TrackingCode,
			o.Shipping.State,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(sheet, "A", "A", 38); err != nil {
		f.Close()
		return nil, fmt.Errorf("set column width: %w", err)
	}

	return f, nil
}

// WriteOrders записывает книгу заказов в w.
func WriteOrders(w io.Writer, orders []model.Order) error {
	f, err := OrdersWorkbook(orders)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
