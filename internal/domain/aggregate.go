package domain

// Apply folds one already-legal event into the aggregate.
func (p *PermissionRequest) Apply(e Event) {
	if e.Type == EventCreated {
		p.PermissionID = e.PermissionID
		p.Region = e.Region
		p.ConnectionID = e.ConnectionID
		p.DataNeedID = e.DataNeedID
		p.MeteringPointID = e.MeteringPointID
		p.Granularity = e.Granularity
		p.Created = e.Created
		if e.Start != nil {
			p.Start = *e.Start
		}
		if e.End != nil {
			p.End = *e.End
		}
	}
	if s, ok := e.Type.TargetStatus(); ok {
		p.Status = s
		p.Message = e.Message
		if len(e.Errors) > 0 {
			p.Errors = append([]AttributeError(nil), e.Errors...)
		}
	}
	switch e.Type {
	case EventExternalIDReceived:
		p.ExternalID = e.ExternalID
	case EventGranularityUpdate:
		p.Granularity = e.Granularity
	case EventMeterReading:
		if e.Reading != nil && (p.LatestMeterReading == nil || e.Reading.After(*p.LatestMeterReading)) {
			r := *e.Reading
			p.LatestMeterReading = &r
		}
	}
	if len(e.Data) > 0 {
		if p.DataSourceInformation == nil {
			p.DataSourceInformation = map[string]string{}
		}
		for k, v := range e.Data {
			p.DataSourceInformation[k] = v
		}
	}
	p.Updated = e.Created
	p.Version = e.Seq
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p PermissionRequest) Clone() PermissionRequest {
	out := p
	if p.LatestMeterReading != nil {
		r := *p.LatestMeterReading
		out.LatestMeterReading = &r
	}
	if p.Errors != nil {
		out.Errors = append([]AttributeError(nil), p.Errors...)
	}
	if p.DataSourceInformation != nil {
		out.DataSourceInformation = make(map[string]string, len(p.DataSourceInformation))
		for k, v := range p.DataSourceInformation {
			out.DataSourceInformation[k] = v
		}
	}
	return out
}
