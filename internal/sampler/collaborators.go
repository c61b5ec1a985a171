package sampler

// Motor is the XY stage collaborator. All motion I/O is owned exclusively by
// the acquisition worker while a sequence is active. MoveTo must return
// immediately; completion is observed by polling MotionComplete. The
// implementation must tolerate MoveTo being called while a previous move is
// still in flight, though the synchronizer never does so deliberately.
type Motor interface {
	MoveTo(xSteps, ySteps int) error
	CurrentPosition() (xSteps, ySteps int, err error)
	MotionComplete() (bool, error)
	Stop() error
}

// Sensor is the velocity probe collaborator. ReadSample returns (nil, nil)
// on a stream timeout; an error indicates a transport failure.
type Sensor interface {
	StartStream() error
	ReadSample() (*Sample, error)
	StopStream() error
}

// Storage is the persistence collaborator. The sampler guarantees Close is
// invoked exactly once per plane, including on abort and error paths.
type Storage interface {
	BeginPlane(zPlane float64, runNumber int) error
	Append(rec MeasurementRecord) error
	Close() error
}
