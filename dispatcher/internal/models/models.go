package models

import (
	"encoding/json"
	"time"
)

type Device struct { // vehicle reference data
	Number             FlexString                 // device number, primary key
	RegistrationNumber string                     // plate
	Name               string                     // display name
	Extra              map[string]json.RawMessage // provider fields kept verbatim
}

var deviceFields = []string{"number", "registrationNumber", "name"}

type deviceJSON struct {
	Number             FlexString `json:"number"`
	RegistrationNumber string     `json:"registrationNumber,omitempty"`
	Name               string     `json:"name,omitempty"`
}

func (d *Device) UnmarshalJSON(b []byte) error {
	var known deviceJSON
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}
	extra, err := splitExtra(b, deviceFields)
	if err != nil {
		return err
	}
	*d = Device{Number: known.Number, RegistrationNumber: known.RegistrationNumber, Name: known.Name, Extra: extra}
	return nil
}

func (d Device) MarshalJSON() ([]byte, error) {
	return mergeExtra(deviceJSON{Number: d.Number, RegistrationNumber: d.RegistrationNumber, Name: d.Name}, d.Extra)
}

// DisplayName falls back to the device number when the name is empty.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return string(d.Number)
}

const (
	IgnitionOn  = "ON"
	IgnitionOff = "OFF"
)

type Position struct { // latest telemetry sample for one device
	DeviceNumber  FlexString                 // owning device
	Lat           float64                    // latitude
	Lng           float64                    // longitude
	Speed         float64                    // km/h
	IgnitionState string                     // ON / OFF
	Time          Millis                     // sample time, 0 when absent
	Extra         map[string]json.RawMessage // provider fields kept verbatim
}

var positionFields = []string{"deviceNumber", "lat", "lng", "speed", "ignitionState", "time"}

type positionJSON struct {
	DeviceNumber  FlexString `json:"deviceNumber"`
	Lat           float64    `json:"lat"`
	Lng           float64    `json:"lng"`
	Speed         float64    `json:"speed"`
	IgnitionState string     `json:"ignitionState,omitempty"`
	Time          Millis     `json:"time,omitempty"`
}

func (p *Position) UnmarshalJSON(b []byte) error {
	var known positionJSON
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}
	extra, err := splitExtra(b, positionFields)
	if err != nil {
		return err
	}
	*p = Position{
		DeviceNumber:  known.DeviceNumber,
		Lat:           known.Lat,
		Lng:           known.Lng,
		Speed:         known.Speed,
		IgnitionState: known.IgnitionState,
		Time:          known.Time,
		Extra:         extra,
	}
	return nil
}

func (p Position) MarshalJSON() ([]byte, error) {
	return mergeExtra(positionJSON{
		DeviceNumber:  p.DeviceNumber,
		Lat:           p.Lat,
		Lng:           p.Lng,
		Speed:         p.Speed,
		IgnitionState: p.IgnitionState,
		Time:          p.Time,
	}, p.Extra)
}

func (p Position) IgnitionOn() bool {
	return p.IgnitionState == IgnitionOn
}

const ActivityTaskVisit = "TASK_VISIT"

type Activity struct { // immutable historical event
	ID           int64                      // monotonic record id
	Type         string                     // e.g. TASK_VISIT
	DeviceNumber FlexString                 // owning device
	Created      Millis                     // event time
	Payload      map[string]json.RawMessage // remaining provider fields
}

var activityFields = []string{"id", "type", "deviceNumber", "created"}

type activityJSON struct {
	ID           int64      `json:"id"`
	Type         string     `json:"type"`
	DeviceNumber FlexString `json:"deviceNumber"`
	Created      Millis     `json:"created,omitempty"`
}

func (a *Activity) UnmarshalJSON(b []byte) error {
	var known activityJSON
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}
	extra, err := splitExtra(b, activityFields)
	if err != nil {
		return err
	}
	*a = Activity{ID: known.ID, Type: known.Type, DeviceNumber: known.DeviceNumber, Created: known.Created, Payload: extra}
	return nil
}

func (a Activity) MarshalJSON() ([]byte, error) {
	return mergeExtra(activityJSON{ID: a.ID, Type: a.Type, DeviceNumber: a.DeviceNumber, Created: a.Created}, a.Payload)
}

const (
	AlertSpeedViolation = "SPEED_VIOLATION"
	AlertLongIdle       = "LONG_IDLE"
	AlertTaskCompleted  = "TASK_COMPLETED"
)

const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeveritySuccess = "success"
	SeverityDanger  = "danger"
)

type Alert struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	DeviceNumber string    `json:"deviceNumber"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     string    `json:"severity"`
}

// FleetStats is derived from devices and positions; it is never stored.
type FleetStats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
	Moving  int `json:"moving"`
	Idle    int `json:"idle"`
	Stopped int `json:"stopped"`
}

const DefaultActionType = "DELIVERY"

type ActionTag struct {
	ActionType string `json:"actionType"`
}

type Task struct { // provider-owned work item
	TaskID            FlexString                 // provider id
	LocalID           string                     // caller supplied id
	DeviceNumber      FlexString                 // assigned device
	LocationAddress   string                     // destination
	LocationLatitude  *float64                   // optional coordinates
	LocationLongitude *float64                   // optional coordinates
	Status            string                     // PENDING / IN_PROGRESS_NOW / COMPLETED
	ActionTagModel    *ActionTag                 // action type
	Extra             map[string]json.RawMessage // provider fields kept verbatim
}

var taskFields = []string{"taskId", "localId", "deviceNumber", "locationAddress", "locationLatitude", "locationLongitude", "status", "actionTagModel"}

type taskJSON struct {
	TaskID            FlexString `json:"taskId,omitempty"`
	LocalID           string     `json:"localId,omitempty"`
	DeviceNumber      FlexString `json:"deviceNumber,omitempty"`
	LocationAddress   string     `json:"locationAddress"`
	LocationLatitude  *float64   `json:"locationLatitude,omitempty"`
	LocationLongitude *float64   `json:"locationLongitude,omitempty"`
	Status            string     `json:"status,omitempty"`
	ActionTagModel    *ActionTag `json:"actionTagModel,omitempty"`
}

func (t *Task) UnmarshalJSON(b []byte) error {
	var known taskJSON
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}
	extra, err := splitExtra(b, taskFields)
	if err != nil {
		return err
	}
	*t = Task{
		TaskID:            known.TaskID,
		LocalID:           known.LocalID,
		DeviceNumber:      known.DeviceNumber,
		LocationAddress:   known.LocationAddress,
		LocationLatitude:  known.LocationLatitude,
		LocationLongitude: known.LocationLongitude,
		Status:            known.Status,
		ActionTagModel:    known.ActionTagModel,
		Extra:             extra,
	}
	return nil
}

func (t Task) MarshalJSON() ([]byte, error) {
	return mergeExtra(taskJSON{
		TaskID:            t.TaskID,
		LocalID:           t.LocalID,
		DeviceNumber:      t.DeviceNumber,
		LocationAddress:   t.LocationAddress,
		LocationLatitude:  t.LocationLatitude,
		LocationLongitude: t.LocationLongitude,
		Status:            t.Status,
		ActionTagModel:    t.ActionTagModel,
	}, t.Extra)
}
