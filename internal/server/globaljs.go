package server

import (
	"fmt"
	"net/http"
)

// handleScript serves the page script. It calls back to the host it was
// loaded from.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	serverURL := fmt.Sprintf("%s://%s", scheme, r.Host)

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=60")
	_, _ = w.Write([]byte(GenerateScript(serverURL)))
}

// GenerateScript returns ab.js bound to serverURL. The page gets its variant
// from /api/assign, reports a view, scroll milestones, a heartbeat while the
// tab is visible and one leave beacon,
// and exposes window.abgate.convert and window.abgate.track.
func GenerateScript(serverURL string) string {
	return fmt.Sprintf(`(function(){
  var S='%s';
  var state={test:null,variant:null,pv:null,left:false};

  function post(path,body){
    var data=JSON.stringify(body);
    if(navigator.sendBeacon){
      if(navigator.sendBeacon(S+path,new Blob([data],{type:'text/plain'})))return;
    }
    fetch(S+path,{method:'POST',body:data,credentials:'include',keepalive:true}).catch(function(){});
  }

  function announce(res){
    document.documentElement.setAttribute('data-ab-variant',res.variant_id);
    document.documentElement.setAttribute('data-ab-test',res.test_key);
    try{
      window.dispatchEvent(new CustomEvent('abgate:variant',{detail:res}));
    }catch(e){}
  }

  function startView(){
    fetch(S+'/t/view',{method:'POST',credentials:'include',body:JSON.stringify({test_key:state.test,page_path:location.pathname})})
      .then(function(r){return r.status===200?r.json():null;})
      .then(function(res){if(res)state.pv=res.page_view_id;})
      .catch(function(){});
  }

  var pending=false;
  function onScroll(){
    if(!state.pv||pending||state.left)return;
    pending=true;
    setTimeout(function(){
      pending=false;
      var d=document.documentElement;
      post('/t/scroll',{page_view_id:state.pv,scroll_y:window.scrollY,scroll_height:d.scrollHeight,viewport_height:window.innerHeight});
    },250);
  }

  function leave(){
    if(!state.pv||state.left)return;
    state.left=true;
    post('/t/leave',{page_view_id:state.pv});
  }

  setInterval(function(){
    if(state.pv&&!state.left&&document.visibilityState==='visible')post('/t/ping',{page_view_id:state.pv});
  },60000);

  document.addEventListener('visibilitychange',function(){
    if(document.visibilityState==='hidden')leave();
  });
  window.addEventListener('pagehide',leave);
  window.addEventListener('scroll',onScroll,{passive:true});

  window.abgate={
    convert:function(name,value,metadata){
      if(!state.test)return;
      post('/t/convert',{test_key:state.test,name:name||'',value:value,metadata:metadata});
    },
    track:function(type,name,metadata){
      if(!state.test)return;
      post('/t/event',{test_key:state.test,type:type,name:name||'',metadata:metadata});
    },
    variant:function(){return state.variant;}
  };

  fetch(S+'/api/assign?page='+encodeURIComponent(location.pathname),{credentials:'include'})
    .then(function(r){return r.json();})
    .then(function(res){
      if(!res||!res.variant_id)return;
      state.test=res.test_key;
      state.variant=res.variant_id;
      announce(res);
      startView();
    })
    .catch(function(){});
})();`, serverURL)
}
