package clock_client

// routeEvent delivers an unsolicited frame from the service. Ticks are
// passed through as received; the client does no timing of its own.
func (cc *clockClient) routeEvent(f *frame) {
	switch f.kind {
	case ftTickEvent:
		cc.l.Tracef("tick at %s", f.when.Format("15:04:05.000"))
		cc.handler.OnTickEvent(f.when)

	case ftAlarmEvent:
		a, known := cc.alarms.fired(f.alarmId)
		if !known {
			cc.l.Debugf("anomaly: alarm event for unknown alarm %d (tag %q)", f.alarmId, f.text)
			cc.metrics.anomaly("unknown-alarm")
			return
		}
		if a.Tag != f.text {
			cc.l.Debugf("alarm %d armed with tag %q fired with tag %q", a.Id, a.Tag, f.text)
		}
		cc.l.Tracef("alarm %d fired", f.alarmId)
		cc.handler.OnAlarmEvent(f.alarmId, f.text)
	}
}
