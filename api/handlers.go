package api

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/CristiGvl/thermalctl/internal/severity"
	"github.com/CristiGvl/thermalctl/internal/thermal"
)

// value renders NaN as a JSON null
func value(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func values(a severity.Array) []*float64 {
	out := make([]*float64, len(a))
	for i, v := range a {
		out[i] = value(v)
	}
	return out
}

func millis(d time.Duration) int64 {
	if d == math.MaxInt64 {
		return -1
	}
	return d.Milliseconds()
}

func fail(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// controlError maps control loop errors onto HTTP status codes
func controlError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, thermal.ErrUnknownSensor):
		return fail(c, fiber.StatusNotFound, err)
	case errors.Is(err, thermal.ErrInvalidSeverity):
		return fail(c, fiber.StatusBadRequest, err)
	default:
		return fail(c, fiber.StatusInternalServerError, err)
	}
}

type temperatureResponse struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Value    *float64 `json:"value"`
	Severity string   `json:"throttling_status"`
}

func (s *Server) getTemperatures(c *fiber.Ctx) error {
	out := []temperatureResponse{}
	for _, t := range s.thermal.Temperatures(typeFilter(c)) {
		out = append(out, temperatureResponse{Name: t.Name, Type: t.Type, Value: value(t.Value), Severity: t.Severity.String()})
	}
	return c.JSON(out)
}

type thresholdResponse struct {
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	Hot            []*float64 `json:"hot_throttling_thresholds"`
	Cold           []*float64 `json:"cold_throttling_thresholds"`
	HotHysteresis  []*float64 `json:"hot_hysteresis"`
	ColdHysteresis []*float64 `json:"cold_hysteresis"`
}

func (s *Server) getThresholds(c *fiber.Ctx) error {
	out := []thresholdResponse{}
	for _, t := range s.thermal.Thresholds(typeFilter(c)) {
		out = append(out, thresholdResponse{
			Name:           t.Name,
			Type:           t.Type,
			Hot:            values(t.Hot),
			Cold:           values(t.Cold),
			HotHysteresis:  values(t.HotHysteresis),
			ColdHysteresis: values(t.ColdHysteresis),
		})
	}
	return c.JSON(out)
}

type cdevResponse struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Value    int    `json:"value"`
	MaxState int    `json:"max_state"`
}

func (s *Server) getCoolingDevices(c *fiber.Ctx) error {
	cdevs, err := s.thermal.CoolingDevices(typeFilter(c))
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err)
	}
	out := make([]cdevResponse, 0, len(cdevs))
	for _, d := range cdevs {
		out = append(out, cdevResponse{Name: d.Name, Type: d.Type, Value: d.Value, MaxState: d.MaxState})
	}
	return c.JSON(out)
}

type sensorStatusResponse struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Watched      bool     `json:"watched"`
	Monitored    bool     `json:"uevent_monitored"`
	Severity     string   `json:"severity"`
	PrevHot      string   `json:"prev_hot_severity"`
	PrevCold     string   `json:"prev_cold_severity"`
	PrevHint     string   `json:"prev_hint_severity"`
	LastUpdate   *int64   `json:"last_update_ms"`
	Temp         *float64 `json:"temp"`
	Average      *float64 `json:"average_temp"`
	Samples      int      `json:"average_samples"`
	PollingDelay int64    `json:"polling_delay_ms"`
	PassiveDelay int64    `json:"passive_delay_ms"`
	Emulated     bool     `json:"emulated"`
	EmulTemp     *float64 `json:"emul_temp,omitempty"`
	EmulSeverity *int     `json:"emul_severity,omitempty"`
}

func (s *Server) getSensorStatus(c *fiber.Ctx) error {
	statuses := s.thermal.SensorStatus()
	out := make([]sensorStatusResponse, 0, len(statuses))
	for _, st := range statuses {
		r := sensorStatusResponse{
			Name:         st.Name,
			Type:         st.Type,
			Watched:      st.Watched,
			Monitored:    st.Monitored,
			Severity:     st.Severity.String(),
			PrevHot:      st.PrevHot.String(),
			PrevCold:     st.PrevCold.String(),
			PrevHint:     st.PrevHint.String(),
			Temp:         value(st.Temp),
			Average:      value(st.Average),
			Samples:      st.Samples,
			PollingDelay: millis(st.PollingDelay),
			PassiveDelay: millis(st.PassiveDelay),
			Emulated:     st.Emulated,
			EmulTemp:     value(st.EmulTemp),
		}
		if !st.LastUpdate.IsZero() {
			ms := st.LastUpdate.UnixMilli()
			r.LastUpdate = &ms
		}
		if st.EmulSeverity >= 0 {
			sev := st.EmulSeverity
			r.EmulSeverity = &sev
		}
		out = append(out, r)
	}
	return c.JSON(out)
}

type throttlingResponse struct {
	Sensor           string              `json:"sensor"`
	PIDPowerBudget   map[string]*float64 `json:"pid_power_budget"`
	PIDCdevRequest   map[string]int      `json:"pid_cdev_request"`
	HardLimitRequest map[string]int      `json:"hardlimit_cdev_request"`
	ReleaseStep      map[string]int      `json:"release_step"`
	CdevRequest      map[string]int      `json:"cdev_request"`
	PrevErr          *float64            `json:"prev_err"`
	IBudget          *float64            `json:"i_budget"`
	PrevTarget       string              `json:"prev_target"`
	PrevPowerBudget  *float64            `json:"prev_power_budget"`
	BudgetTransient  *float64            `json:"budget_transient"`
	TranCycle        int                 `json:"tran_cycle"`
}

func (s *Server) getThrottlingStatus(c *fiber.Ctx) error {
	snap := s.thermal.ThrottlingStatus()
	out := make([]throttlingResponse, 0, len(snap))
	for name, st := range snap {
		budgets := make(map[string]*float64, len(st.PIDPowerBudget))
		for cdev, b := range st.PIDPowerBudget {
			budgets[cdev] = value(b)
		}
		out = append(out, throttlingResponse{
			Sensor:           name,
			PIDPowerBudget:   budgets,
			PIDCdevRequest:   st.PIDCdevRequest,
			HardLimitRequest: st.HardLimitRequest,
			ReleaseStep:      st.ReleaseStep,
			CdevRequest:      st.CdevRequest,
			PrevErr:          value(st.PrevErr),
			IBudget:          value(st.IBudget),
			PrevTarget:       st.PrevTarget.String(),
			PrevPowerBudget:  value(st.PrevPowerBudget),
			BudgetTransient:  value(st.BudgetTransient),
			TranCycle:        st.TranCycle,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sensor < out[j].Sensor })
	return c.JSON(out)
}

type powerResponse struct {
	Rail         string   `json:"rail"`
	AveragePower *float64 `json:"average_power_mw"`
	LastUpdate   *int64   `json:"last_update_ms"`
}

func (s *Server) getPowerStatus(c *fiber.Ctx) error {
	rails := s.thermal.PowerStatus()
	out := make([]powerResponse, 0, len(rails))
	for _, r := range rails {
		p := powerResponse{Rail: r.Rail, AveragePower: value(r.AveragePower)}
		if !r.LastUpdate.IsZero() {
			ms := r.LastUpdate.UnixMilli()
			p.LastUpdate = &ms
		}
		out = append(out, p)
	}
	return c.JSON(out)
}

func (s *Server) emulTemp(c *fiber.Ctx) error {
	var req struct {
		Temp *float64 `json:"temp"`
	}
	if err := c.BodyParser(&req); err != nil || req.Temp == nil {
		return fail(c, fiber.StatusBadRequest, errors.New("invalid request body"))
	}
	if err := s.thermal.EmulTemp(sensorParam(c), *req.Temp); err != nil {
		return controlError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success"})
}

func (s *Server) emulSeverity(c *fiber.Ctx) error {
	var req struct {
		Severity *int `json:"severity"`
	}
	if err := c.BodyParser(&req); err != nil || req.Severity == nil {
		return fail(c, fiber.StatusBadRequest, errors.New("invalid request body"))
	}
	if err := s.thermal.EmulSeverity(sensorParam(c), *req.Severity); err != nil {
		return controlError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success"})
}

func (s *Server) emulClear(c *fiber.Ctx) error {
	if err := s.thermal.EmulClear(sensorParam(c)); err != nil {
		return controlError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success"})
}

func (s *Server) setThrottling(c *fiber.Ctx) error {
	var req struct {
		Disabled *bool `json:"disabled"`
	}
	if err := c.BodyParser(&req); err != nil || req.Disabled == nil {
		return fail(c, fiber.StatusBadRequest, errors.New("invalid request body"))
	}
	s.thermal.SetThrottlingDisabled(*req.Disabled)
	return c.JSON(fiber.Map{"status": "success", "throttling_disabled": *req.Disabled})
}

func (s *Server) getHostTemps(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
	defer cancel()

	sensors, err := s.tempsReader.Sensors(ctx)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(sensors)
}

// sensorParam copies the sensor path parameter out of the request buffer,
// which fiber reuses once the handler returns
func sensorParam(c *fiber.Ctx) string {
	return utils.CopyString(c.Params("sensor"))
}

func typeFilter(c *fiber.Ctx) string {
	return utils.CopyString(c.Query("type"))
}
