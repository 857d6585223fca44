package session

import "testing"

func TestViewBusSkipsSlowSubscriber(t *testing.T) {
	b := newViewBus()
	slow, unsubSlow := b.subscribe(1, View{}) // buffer already full
	fast, unsubFast := b.subscribe(4, View{})
	defer unsubSlow()
	defer unsubFast()

	b.publish(View{SensorNext: 1})

	<-fast
	if v := <-fast; v.SensorNext != 1 {
		t.Errorf("fast subscriber got %+v, want SensorNext 1", v)
	}
	<-slow
	select {
	case v := <-slow:
		t.Errorf("slow subscriber should have missed the update, got %+v", v)
	default:
	}
}

func TestViewBusCloseAll(t *testing.T) {
	b := newViewBus()
	ch, unsub := b.subscribe(1, View{})
	b.closeAll()

	<-ch
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after closeAll")
	}
	unsub() // must not panic on an already closed subscriber
	if b.len() != 0 {
		t.Errorf("len() = %d, want 0", b.len())
	}
}
