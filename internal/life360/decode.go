package life360

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	speedFactorMPH   = 2.25
	speedDigits      = 1
	metersPerFoot    = 0.3048
	fallbackName     = "No Name"
	addressSeparator = ", "
)

// The server encodes most numeric fields as strings and occasionally as bare
// JSON numbers. These helpers accept either form and fail with a DecodeError
// naming the field so malformed payloads are caught at this one boundary.

func stringField(raw map[string]any, field string) (string, error) {
	value, present := raw[field]
	if !present || value == nil {
		return "", &DecodeError{Field: field, Message: "missing required field"}
	}
	text, isString := value.(string)
	if !isString {
		return "", &DecodeError{Field: field, Message: fmt.Sprintf("expected string, got %T", value)}
	}
	return text, nil
}

func optionalStringField(raw map[string]any, field string) string {
	value, present := raw[field]
	if !present || value == nil {
		return ""
	}
	text, isString := value.(string)
	if !isString {
		return ""
	}
	return text
}

func floatField(raw map[string]any, field string) (float64, error) {
	value, present := raw[field]
	if !present || value == nil {
		return 0, &DecodeError{Field: field, Message: "missing required field"}
	}
	switch typed := value.(type) {
	case float64:
		return typed, nil
	case string:
		parsed, parseErr := strconv.ParseFloat(typed, 64)
		if parseErr != nil {
			return 0, &DecodeError{Field: field, Message: fmt.Sprintf("cannot parse %q as number", typed)}
		}
		return parsed, nil
	default:
		return 0, &DecodeError{Field: field, Message: fmt.Sprintf("expected number, got %T", value)}
	}
}

func intField(raw map[string]any, field string) (int, error) {
	parsed, fieldErr := floatField(raw, field)
	if fieldErr != nil {
		return 0, fieldErr
	}
	return int(parsed), nil
}

func boolField(raw map[string]any, field string) (bool, error) {
	parsed, fieldErr := intField(raw, field)
	if fieldErr != nil {
		return false, fieldErr
	}
	return parsed != 0, nil
}

func timestampField(raw map[string]any, field string) (time.Time, error) {
	seconds, fieldErr := floatField(raw, field)
	if fieldErr != nil {
		return time.Time{}, fieldErr
	}
	return time.Unix(int64(seconds), 0).UTC(), nil
}

func objectField(raw map[string]any, field string) (map[string]any, error) {
	value, present := raw[field]
	if !present || value == nil {
		return nil, &DecodeError{Field: field, Message: "missing required field"}
	}
	object, isObject := value.(map[string]any)
	if !isObject {
		return nil, &DecodeError{Field: field, Message: fmt.Sprintf("expected object, got %T", value)}
	}
	return object, nil
}

func decodeCircle(raw map[string]any) (Circle, error) {
	circleID, idErr := stringField(raw, "id")
	if idErr != nil {
		return Circle{}, idErr
	}
	circleName, nameErr := stringField(raw, "name")
	if nameErr != nil {
		return Circle{}, nameErr
	}
	return Circle{ID: CircleID(circleID), Name: circleName}, nil
}

func decodeLocation(raw map[string]any) (*Location, error) {
	atLocSince, sinceErr := timestampField(raw, "since")
	if sinceErr != nil {
		return nil, sinceErr
	}
	lastSeen, timestampErr := timestampField(raw, "timestamp")
	if timestampErr != nil {
		return nil, timestampErr
	}
	driving, drivingErr := boolField(raw, "isDriving")
	if drivingErr != nil {
		return nil, drivingErr
	}
	accuracyFeet, accuracyErr := floatField(raw, "accuracy")
	if accuracyErr != nil {
		return nil, accuracyErr
	}
	latitude, latitudeErr := floatField(raw, "latitude")
	if latitudeErr != nil {
		return nil, latitudeErr
	}
	longitude, longitudeErr := floatField(raw, "longitude")
	if longitudeErr != nil {
		return nil, longitudeErr
	}
	rawSpeed, speedErr := floatField(raw, "speed")
	if speedErr != nil {
		return nil, speedErr
	}
	charging, chargingErr := boolField(raw, "charge")
	if chargingErr != nil {
		return nil, chargingErr
	}
	batteryLevel, batteryErr := floatField(raw, "battery")
	if batteryErr != nil {
		return nil, batteryErr
	}
	wifiOn, wifiErr := boolField(raw, "wifiState")
	if wifiErr != nil {
		return nil, wifiErr
	}

	return &Location{
		Address:         joinAddress(optionalStringField(raw, "address1"), optionalStringField(raw, "address2")),
		AtLocSince:      atLocSince,
		Driving:         driving,
		GPSAccuracy:     int(math.Round(accuracyFeet * metersPerFoot)),
		LastSeen:        lastSeen,
		Latitude:        latitude,
		Longitude:       longitude,
		Place:           optionalStringField(raw, "name"),
		Speed:           roundSpeed(math.Max(0, rawSpeed*speedFactorMPH)),
		BatteryCharging: charging,
		BatteryLevel:    int(batteryLevel),
		WifiOn:          wifiOn,
	}, nil
}

func decodeMember(raw map[string]any) (Member, error) {
	memberID, idErr := stringField(raw, "id")
	if idErr != nil {
		return Member{}, idErr
	}

	features, featuresErr := objectField(raw, "features")
	if featuresErr != nil {
		return Member{}, featuresErr
	}
	sharingLocation, sharingErr := boolField(features, "shareLocation")
	if sharingErr != nil {
		return Member{}, sharingErr
	}

	member := Member{
		ID:              MemberID(memberID),
		Name:            joinName(optionalStringField(raw, "firstName"), optionalStringField(raw, "lastName")),
		Avatar:          optionalStringField(raw, "avatar"),
		SharingLocation: sharingLocation,
	}

	if issues, present := raw["issues"].(map[string]any); present {
		member.Issues = Issues{
			Title:  optionalStringField(issues, "title"),
			Dialog: optionalStringField(issues, "dialog"),
		}
	}

	if rawLocation, present := raw["location"].(map[string]any); present {
		location, locationErr := decodeLocation(rawLocation)
		if locationErr != nil {
			return Member{}, locationErr
		}
		member.Location = location
	}

	return member, nil
}

func joinName(first string, last string) string {
	if first != "" && last != "" {
		return first + " " + last
	}
	if first != "" {
		return first
	}
	if last != "" {
		return last
	}
	return fallbackName
}

func joinAddress(address1 string, address2 string) string {
	parts := make([]string, 0, 2)
	if address1 != "" {
		parts = append(parts, address1)
	}
	if address2 != "" {
		parts = append(parts, address2)
	}
	return strings.Join(parts, addressSeparator)
}

func roundSpeed(speed float64) float64 {
	factor := math.Pow10(speedDigits)
	return math.Round(speed*factor) / factor
}
