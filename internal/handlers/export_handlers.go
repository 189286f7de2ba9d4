package handlers

import (
	"encoding/csv"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"
	"github.com/xuri/excelize/v2"

	"portreg/internal/errdefs"
	"portreg/internal/models"
)

const portsSheet = "Ports"

var exportHeader = []string{"Address MAC", "Port", "Protocol"}

// ExportCSVHandler exports every port assignment as CSV
func (h *Handler) ExportCSVHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.reader.ListDeviceAssignments(r.Context())
	if err != nil {
		h.error(w, r, errdefs.Unavailable(err, "could not fetch assignments"))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=ports.csv")

	writer := csv.NewWriter(w)
	defer writer.Flush()

	writer.Write(exportHeader)
	for _, d := range snapshot {
		for _, a := range d.Ports {
			writer.Write([]string{d.HardwareAddress, strconv.Itoa(int(a.Port)), a.Protocol.String()})
		}
	}
}

// ExportExcelHandler exports every port assignment as an xlsx workbook
func (h *Handler) ExportExcelHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.reader.ListDeviceAssignments(r.Context())
	if err != nil {
		h.error(w, r, errdefs.Unavailable(err, "could not fetch assignments"))
		return
	}

	f, err := portsWorkbook(snapshot)
	if err != nil {
		h.error(w, r, errdefs.Internal(err, "build workbook"))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=ports.xlsx")

	if err := f.Write(w); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("writing workbook")
	}
}

func portsWorkbook(snapshot []models.DeviceAssignments) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", portsSheet); err != nil {
		f.Close()
		return nil, err
	}

	header := make([]interface{}, len(exportHeader))
	for i, v := range exportHeader {
		header[i] = v
	}
	if err := f.SetSheetRow(portsSheet, "A1", &header); err != nil {
		f.Close()
		return nil, err
	}

	row := 2
	for _, d := range snapshot {
		for _, a := range d.Ports {
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				f.Close()
				return nil, err
			}
			if err := f.SetSheetRow(portsSheet, cell, &[]interface{}{d.HardwareAddress, int(a.Port), a.Protocol.String()}); err != nil {
				f.Close()
				return nil, err
			}
			row++
		}
	}

	if err := f.SetColWidth(portsSheet, "A", "A", 20); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
