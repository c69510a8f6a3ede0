package clock_client

import (
	"fmt"
	"sort"
	"time"

	"github.com/jimsnab/go-lane"
	"github.com/jimsnab/go-treestore"
)

type (
	// Alarm is the client's record of an alarm armed on the clock service.
	Alarm struct {
		Id        AlarmId
		Tag       string
		FireAfter time.Duration
		ArmedAt   time.Time
	}

	// alarmRegistry keeps the alarms of the current connection in a tree
	// store:
	//
	//	/alarm/<id>   encoded Alarm record
	//	/tag/:<tag>   varint list of the alarm ids armed with <tag>
	//
	// The ':' prefix keeps an empty tag from producing an empty segment.
	alarmRegistry struct {
		l     lane.Lane
		ts    *treestore.TreeStore
		count int
	}
)

const registryAppVersion = 1

func newAlarmRegistry(l lane.Lane) *alarmRegistry {
	return &alarmRegistry{
		l:  l,
		ts: treestore.NewTreeStore(l.Derive(), registryAppVersion),
	}
}

func alarmKey(id AlarmId) treestore.StoreKey {
	return treestore.MakeStoreKeyFromPath(treestore.TokenPath(fmt.Sprintf("/alarm/%d", id)))
}

func tagKey(tag string) treestore.StoreKey {
	return treestore.MakeStoreKeyFromPath(treestore.TokenPath("/tag/" + treestore.EscapeTokenString(":"+tag)))
}

func encodeAlarm(a Alarm) []byte {
	e := newEncoder()
	e.writeUint32(uint32(a.Id))
	e.writeString(a.Tag)
	e.writeInt64(int64(a.FireAfter))
	e.writeInt64(a.ArmedAt.UnixNano())
	return e.bytes()
}

func decodeAlarm(data []byte) (a Alarm, err error) {
	d := newDecoder(data)

	var id uint32
	if id, err = d.readUint32(); err != nil {
		return
	}
	a.Id = AlarmId(id)

	if a.Tag, err = d.readString(); err != nil {
		return
	}

	var n int64
	if n, err = d.readInt64(); err != nil {
		return
	}
	a.FireAfter = time.Duration(n)

	if n, err = d.readInt64(); err != nil {
		return
	}
	a.ArmedAt = time.Unix(0, n)
	return
}

func encodeIds(ids []AlarmId) []byte {
	e := newEncoder()
	for _, id := range ids {
		e.writeUvarint(uint64(id))
	}
	return e.bytes()
}

func decodeIds(data []byte) (ids []AlarmId) {
	d := newDecoder(data)
	for d.remaining() > 0 {
		v, err := d.readUvarint()
		if err != nil {
			break
		}
		ids = append(ids, AlarmId(v))
	}
	return
}

func (ar *alarmRegistry) tagIds(tag string) []AlarmId {
	val, _, valExists := ar.ts.GetKeyValue(tagKey(tag))
	if !valExists {
		return nil
	}
	data, _ := val.([]byte)
	return decodeIds(data)
}

// add records an alarm once the service has assigned its id.
func (ar *alarmRegistry) add(a Alarm) {
	if _, exists := ar.get(a.Id); exists {
		ar.l.Debugf("alarm %d registered twice, replacing it", a.Id)
		ar.remove(a.Id)
	}

	ar.ts.SetKeyValue(alarmKey(a.Id), encodeAlarm(a))
	ids := append(ar.tagIds(a.Tag), a.Id)
	ar.ts.SetKeyValue(tagKey(a.Tag), encodeIds(ids))
	ar.count++

	ar.l.Tracef("alarm %d registered with tag %q, fires after %s", a.Id, a.Tag, a.FireAfter)
}

func (ar *alarmRegistry) get(id AlarmId) (a Alarm, exists bool) {
	val, _, valExists := ar.ts.GetKeyValue(alarmKey(id))
	if !valExists {
		return
	}

	data, _ := val.([]byte)
	var err error
	if a, err = decodeAlarm(data); err != nil {
		ar.l.Errorf("corrupt alarm record %d: %s", id, err)
		return
	}
	exists = true
	return
}

// remove deletes the alarm and its tag index entry, returning the removed
// record.
func (ar *alarmRegistry) remove(id AlarmId) (a Alarm, removed bool) {
	if a, removed = ar.get(id); !removed {
		return
	}

	ar.ts.DeleteKey(alarmKey(id))
	ar.count--

	ids := ar.tagIds(a.Tag)
	kept := ids[:0]
	for _, other := range ids {
		if other != id {
			kept = append(kept, other)
		}
	}
	if len(kept) == 0 {
		ar.ts.DeleteKey(tagKey(a.Tag))
	} else {
		ar.ts.SetKeyValue(tagKey(a.Tag), encodeIds(kept))
	}
	return
}

// fired resolves an alarm-fired event. Alarms are one-shot, so the record
// is removed.
func (ar *alarmRegistry) fired(id AlarmId) (a Alarm, known bool) {
	return ar.remove(id)
}

func (ar *alarmRegistry) byTag(tag string) []Alarm {
	ids := ar.tagIds(tag)
	alarms := make([]Alarm, 0, len(ids))
	for _, id := range ids {
		if a, exists := ar.get(id); exists {
			alarms = append(alarms, a)
		}
	}
	return alarms
}

func (ar *alarmRegistry) all() []Alarm {
	if ar.count == 0 {
		return []Alarm{}
	}

	vals := ar.ts.GetMatchingKeyValues(treestore.MakeStoreKeyFromPath("/alarm/*"), 0, ar.count)
	alarms := make([]Alarm, 0, len(vals))
	for _, v := range vals {
		data, _ := v.CurrentValue.([]byte)
		a, err := decodeAlarm(data)
		if err != nil {
			ar.l.Errorf("corrupt alarm record at %s: %s", v.Key, err)
			continue
		}
		alarms = append(alarms, a)
	}

	sort.Slice(alarms, func(i, j int) bool {
		return alarms[i].Id < alarms[j].Id
	})
	return alarms
}

func (ar *alarmRegistry) size() int {
	return ar.count
}

// clear forgets every alarm; used when the connection closes.
func (ar *alarmRegistry) clear() {
	ar.ts = treestore.NewTreeStore(ar.l.Derive(), registryAppVersion)
	ar.count = 0
}
