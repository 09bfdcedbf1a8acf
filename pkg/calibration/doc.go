// Package calibration converts raw load-cell codes into grams. It contains:
//
//   - State: the zero offset and scale factor, plus whether they came from a
//     successful calibration or a valid persisted record
//   - Model: the owner of State, offering tare, calibrate and conversion
//   - Store: persistence of the two calibration numbers across restarts
//
// The model is shared between the periodic weight loop and the administrative
// HTTP path, so all access goes through its lock.
package calibration
