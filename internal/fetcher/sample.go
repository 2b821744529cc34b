package fetcher

import "github.com/caremap/caremap-sync/internal/model"

// SampleBatch returns a fixed batch of eight institutions used for local
// runs and smoke tests. Coordinates are left for the geocoder.
func SampleBatch() *Batch {
	return &Batch{Records: []model.Record{
		{Code: "A1234567", Name: "행복요양원", ServiceType: "방문요양", Capacity: 100, CurrentHeadcount: 85, Address: "서울특별시 강남구 테헤란로 123", OperatingHours: "09:00-18:00"},
		{Code: "A1234568", Name: "사랑요양원", ServiceType: "주간보호", Capacity: 50, CurrentHeadcount: 45, Address: "서울특별시 서초구 서초대로 456", OperatingHours: "08:00-17:00"},
		{Code: "A1234569", Name: "평화요양원", ServiceType: "방문요양", Capacity: 80, CurrentHeadcount: 50, Address: "서울특별시 송파구 올림픽로 789", OperatingHours: "09:00-18:00"},
		{Code: "B2000001", Name: "온누리실버센터", ServiceType: "단기보호", Capacity: 60, CurrentHeadcount: 58, Address: "경기도 성남시 분당구 판교역로 100", OperatingHours: "24시간"},
		{Code: "B2000002", Name: "효도요양원", ServiceType: "방문요양", Capacity: 70, CurrentHeadcount: 40, Address: "경기도 용인시 수지구 죽전로 200", OperatingHours: "09:00-18:00"},
		{Code: "C3000001", Name: "햇살좋은집", ServiceType: "주간보호", Capacity: 40, CurrentHeadcount: 38, Address: "인천광역시 남동구 구월로 300", OperatingHours: "08:00-17:00"},
		{Code: "D4000001", Name: "늘푸른요양원", ServiceType: "방문요양", Capacity: 90, CurrentHeadcount: 75, Address: "부산광역시 해운대구 해운대로 400", OperatingHours: "09:00-18:00"},
		{Code: "E5000001", Name: "은빛나래요양센터", ServiceType: "주간보호", Capacity: 55, CurrentHeadcount: 50, Address: "대전광역시 유성구 대학로 500", OperatingHours: "08:00-17:00"},
	}}
}
